// Package twiliosms wraps the Twilio API as the engine's outbound SMS
// collaborator.
//
// The engine hands it admitted OutboundIntents; provider-level delivery
// mechanics stay here. Delivery status comes back asynchronously as
// DeliveryReceipt events consumed by the router for bookkeeping only.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/souschef-sms/souschef/internal/models"
)

// DefaultReceiptBufferSize sizes the delivery receipt channel.
const DefaultReceiptBufferSize = 100

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender is the contract the engine depends on; tests substitute a
// fake, production uses Client.
type Sender interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendSMS(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST API for SMS delivery.
type Client struct {
	client   *twilio.RestClient
	from     string
	receipts chan models.DeliveryReceipt
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient creates a Twilio SMS client. Options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:   client,
		from:     cfg.FromNumber,
		receipts: make(chan models.DeliveryReceipt, DefaultReceiptBufferSize),
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone
// number by removing all non-numeric characters and requiring at least
// 6 digits.
func (c *Client) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if recipient != canonical {
		slog.Debug("TwilioSMS canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendSMS sends one SMS via Twilio.
func (c *Client) SendSMS(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(c.from)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSMS SendSMS failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("TwilioSMS message sent", "to", to)
	return nil
}

// Receipts returns the channel of delivery status events.
func (c *Client) Receipts() <-chan models.DeliveryReceipt {
	return c.receipts
}

// PushReceipt records a provider status callback. Called by the webhook
// layer, which is outside this engine.
func (c *Client) PushReceipt(providerMessageID, to, status string) {
	receipt := models.DeliveryReceipt{
		ProviderMessageID: providerMessageID,
		TargetAddress:     to,
		Status:            status,
		Time:              time.Now(),
	}
	select {
	case c.receipts <- receipt:
	default:
		slog.Warn("TwilioSMS receipt channel full, dropping receipt", "providerMessageID", providerMessageID)
	}
}
