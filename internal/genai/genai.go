// Package genai wraps the OpenAI API as the engine's AI extraction
// collaborator.
//
// The engine treats extraction as a black-box operation with a
// contract: an artifact reference and operation type in, a structured
// result with a confidence score out, or a typed failure. Retries are
// the collaborator's concern; the saga only compensates.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/souschef-sms/souschef/internal/models"
)

// ErrExtractionFailed is the typed failure for unusable model output.
var ErrExtractionFailed = errors.New("extraction failed")

// OperationType selects the extraction behavior.
type OperationType string

const (
	// OperationRecipeExtract extracts a structured recipe from a photo or
	// shared text.
	OperationRecipeExtract OperationType = "recipe_extract"
	// OperationPantryParse parses a free-form pantry update.
	OperationPantryParse OperationType = "pantry_parse"
)

const systemPrompt = `You are a kitchen assistant extraction service.
Given an artifact reference and its transcription, return strict JSON:
{"result": <structured extraction>, "confidence": <0..1>}.
Do not include any text outside the JSON object.`

// Extractor is the contract the engine depends on; tests substitute a
// fake, production uses Client.
type Extractor interface {
	Extract(ctx context.Context, artifactRef string, op OperationType) (*models.ExtractionResult, error)
}

// chatCompleter is the minimal OpenAI surface the client uses.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client implements Extractor over the OpenAI chat completion API.
type Client struct {
	chat  chatCompleter
	model string
}

// Compile-time check that Client implements Extractor.
var _ Extractor = (*Client)(nil)

// NewClient initializes the extraction client. The API key falls back
// to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Extract performs one extraction call and parses the structured result.
func (c *Client) Extract(ctx context.Context, artifactRef string, op OperationType) (*models.ExtractionResult, error) {
	slog.Debug("GenAI Extract invoked", "artifactRef", artifactRef, "operation", op)
	userPrompt := fmt.Sprintf("operation=%s artifact=%s", op, artifactRef)

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Error("GenAI Extract call failed", "error", err, "artifactRef", artifactRef)
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI Extract returned no choices", "artifactRef", artifactRef)
		return nil, fmt.Errorf("%w: no choices returned", ErrExtractionFailed)
	}

	result, err := parseExtraction(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Error("GenAI Extract parse failed", "error", err, "artifactRef", artifactRef)
		return nil, err
	}
	slog.Debug("GenAI Extract succeeded", "artifactRef", artifactRef, "confidence", result.Confidence)
	return result, nil
}

// parseExtraction decodes the model's JSON envelope into the contract
// result type.
func parseExtraction(content string) (*models.ExtractionResult, error) {
	var envelope struct {
		Result     json.RawMessage `json:"result"`
		Confidence float64         `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid response JSON: %v", ErrExtractionFailed, err)
	}
	if len(envelope.Result) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrExtractionFailed)
	}
	return &models.ExtractionResult{
		StructuredResult: string(envelope.Result),
		Confidence:       envelope.Confidence,
	}, nil
}
