package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/souschef-sms/souschef/internal/bus"
	"github.com/souschef-sms/souschef/internal/dedup"
	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/ratelimit"
	"github.com/souschef-sms/souschef/internal/router"
	"github.com/souschef-sms/souschef/internal/store"
)

// recordingDispatcher captures what the router hands to the runtime.
type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []models.InboundMessage
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, key models.ConversationKey, msg models.InboundMessage) ([]models.OutboundIntent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	if d.err != nil {
		return nil, d.err
	}
	return nil, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type nopBus struct{}

func (nopBus) Emit(ctx context.Context, evt bus.Event) error { return nil }
func (nopBus) Subscribe(topic string, h bus.Handler) func()  { return func() {} }
func (nopBus) DeadLetters() []bus.DeadLetter                 { return nil }
func (nopBus) Close() error                                  { return nil }

type recordingSink struct {
	mu       sync.Mutex
	receipts []models.DeliveryReceipt
}

func (s *recordingSink) PushReceipt(providerMessageID, to, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, models.DeliveryReceipt{
		ProviderMessageID: providerMessageID,
		TargetAddress:     to,
		Status:            status,
		Time:              time.Now(),
	})
}

func newTestServer(t *testing.T, dispatcher *recordingDispatcher, sink ReceiptSink) *Server {
	t.Helper()
	st := store.NewInMemoryStore()
	guard := dedup.NewGuard(st, time.Hour)
	limiter := ratelimit.NewLimiter(st, st, ratelimit.DefaultPolicy())
	rt := router.New(guard, limiter, dispatcher, nopBus{}, router.AddressResolver{})
	return NewServer(rt, sink)
}

func postForm(t *testing.T, handler http.HandlerFunc, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestInboundWebhookRoutesMessage(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	server := newTestServer(t, dispatcher, nil)

	rr := postForm(t, server.inboundHandler, url.Values{
		"MessageSid": {"SM100"},
		"From":       {"+15550001"},
		"To":         {"+15559999"},
		"Body":       {"recipe"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "<Response></Response>") {
		t.Errorf("expected empty TwiML body, got %q", got)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.count())
	}
	msg := dispatcher.msgs[0]
	if msg.ProviderMessageID != "SM100" || msg.SenderAddress != "+15550001" || msg.Body != "recipe" {
		t.Errorf("webhook fields not mapped: %+v", msg)
	}
}

func TestInboundWebhookCarriesMedia(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	server := newTestServer(t, dispatcher, nil)

	rr := postForm(t, server.inboundHandler, url.Values{
		"MessageSid": {"SM101"},
		"From":       {"+15550001"},
		"NumMedia":   {"2"},
		"MediaUrl0":  {"https://media.example/a.jpg"},
		"MediaUrl1":  {"https://media.example/b.jpg"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.count())
	}
	if refs := dispatcher.msgs[0].MediaRefs; len(refs) != 2 || refs[0] != "https://media.example/a.jpg" {
		t.Errorf("media refs not mapped: %v", refs)
	}
}

func TestInboundWebhookDuplicateDelivery(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	server := newTestServer(t, dispatcher, nil)

	form := url.Values{
		"MessageSid": {"SM102"},
		"From":       {"+15550001"},
		"Body":       {"hello"},
	}
	for i := 0; i < 2; i++ {
		if rr := postForm(t, server.inboundHandler, form); rr.Code != http.StatusOK {
			t.Fatalf("expected 200 on delivery %d, got %d", i+1, rr.Code)
		}
	}
	// Twilio redelivery is absorbed by the idempotency guard.
	if dispatcher.count() != 1 {
		t.Errorf("expected one dispatch for duplicate webhook, got %d", dispatcher.count())
	}
}

func TestInboundWebhookRejectsMissingFrom(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	server := newTestServer(t, dispatcher, nil)

	rr := postForm(t, server.inboundHandler, url.Values{"Body": {"hi"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if dispatcher.count() != 0 {
		t.Errorf("expected no dispatch, got %d", dispatcher.count())
	}
}

func TestInboundWebhookRoutingFailureReturns500(t *testing.T) {
	dispatcher := &recordingDispatcher{err: models.ErrContention}
	server := newTestServer(t, dispatcher, nil)

	rr := postForm(t, server.inboundHandler, url.Values{
		"MessageSid": {"SM103"},
		"From":       {"+15550001"},
		"Body":       {"hello"},
	})
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the provider retries, got %d", rr.Code)
	}
}

func TestInboundWebhookMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &recordingDispatcher{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rr := httptest.NewRecorder()
	server.inboundHandler(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestStatusWebhookPushesReceipt(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, &recordingDispatcher{}, sink)

	rr := postForm(t, server.statusHandler, url.Values{
		"MessageSid":    {"SM200"},
		"MessageStatus": {"delivered"},
		"To":            {"+15550001"},
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(sink.receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(sink.receipts))
	}
	r := sink.receipts[0]
	if r.ProviderMessageID != "SM200" || r.Status != "delivered" || r.TargetAddress != "+15550001" {
		t.Errorf("receipt fields not mapped: %+v", r)
	}
}

func TestStatusWebhookRejectsMissingFields(t *testing.T) {
	server := newTestServer(t, &recordingDispatcher{}, &recordingSink{})

	rr := postForm(t, server.statusHandler, url.Values{"MessageSid": {"SM201"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestStatusWebhookWithoutSink(t *testing.T) {
	server := newTestServer(t, &recordingDispatcher{}, nil)

	rr := postForm(t, server.statusHandler, url.Values{
		"MessageSid":    {"SM202"},
		"MessageStatus": {"sent"},
	})
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 when no sink is configured, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &recordingDispatcher{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.healthHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", rr.Body.String())
	}
}
