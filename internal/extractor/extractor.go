// Package extractor turns recognized speech into a structured procurement
// entry by calling the Qwen chat API through its OpenAI-compatible endpoint.
// The external service enforces a request-rate ceiling, so calls retry with
// exponential backoff on 429 up to a bounded attempt count; callers that
// must not block on that should go through the task queue instead.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wildlark/voice-entry/internal/entry"
)

// ErrNotConfigured is returned on first use when the API key is missing.
// Construction never fails so the process can start without credentials.
var ErrNotConfigured = errors.New("extractor: API key not configured")

// ErrEmptyText rejects extraction over blank input.
var ErrEmptyText = errors.New("extractor: input text is empty")

const (
	DefaultBaseURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel      = "qwen-plus"
	DefaultMaxRetries = 3
)

// Config carries the extraction service parameters.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// Extractor calls the structured-extraction model.
type Extractor struct {
	client     *openai.Client
	model      string
	maxRetries int

	// backoff base, shortened in tests.
	retryUnit time.Duration
}

func New(cfg Config) *Extractor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	e := &Extractor{
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryUnit:  5 * time.Second,
	}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		e.client = openai.NewClientWithConfig(clientCfg)
		log.Printf("Extractor configured (%s via %s)", cfg.Model, cfg.BaseURL)
	} else {
		log.Printf("Extractor missing API key, structured extraction unavailable")
	}
	return e
}

// Available reports whether credentials are present.
func (e *Extractor) Available() bool {
	return e.client != nil
}

// Extract converts recognized text into a procurement entry. When current is
// non-empty the model edits it according to the spoken instruction (modify,
// delete, or add items) instead of building a fresh entry.
func (e *Extractor) Extract(ctx context.Context, text string, current *entry.Result) (*entry.Result, error) {
	if !e.Available() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	prompt, err := buildPrompt(text, current)
	if err != nil {
		return nil, err
	}

	resp, err := e.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errors.New("extractor: model returned an empty response")
	}

	raw, err := extractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	var result entry.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("extractor: failed to decode model output: %w", err)
	}
	log.Printf("Extraction produced %d items (supplier %q)", len(result.Items), result.Supplier)
	return &result, nil
}

// complete performs the chat call with exponential backoff on rate limits.
func (e *Extractor) complete(ctx context.Context, prompt string) (openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		resp, err := e.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !isRateLimit(err) {
			return openai.ChatCompletionResponse{}, fmt.Errorf("extractor: request failed: %w", err)
		}
		lastErr = err

		wait := time.Duration(1<<attempt) * e.retryUnit
		log.Printf("Extractor rate limited, retrying in %v (%d/%d)", wait, attempt+1, e.maxRetries)
		select {
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return openai.ChatCompletionResponse{},
		fmt.Errorf("extractor: rate limited after %d attempts: %w", e.maxRetries, lastErr)
}

// isRateLimit reports whether the API rejected the call with HTTP 429.
func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429
	}
	return false
}

// extractJSON recovers the JSON object from a model response that may wrap
// it in a markdown code fence or surrounding prose.
func extractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, errors.New("extractor: no JSON object found in model response")
}
