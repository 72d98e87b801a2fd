// Package inference wraps the Anthropic API for all model-backed
// operations: retries with exponential backoff, streaming, tool use,
// and cancellation. Rate limiting is the one error class surfaced as
// a distinct kind to the core.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/types"
)

const (
	defaultModel   = "claude-sonnet-4-20250514"
	defaultTokens  = 16384
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when an API key is needed but not
// provided.
var ErrAPIKeyRequired = errors.New("API key required")

// Request is one inference call. OnChunk, when set, switches the call
// to streaming and receives text deltas as they arrive.
type Request struct {
	System    string
	Messages  []anthropic.MessageParam
	Tools     []anthropic.ToolUnionParam
	MaxTokens int64
	OnChunk   func(string)
}

// Response carries the full model message plus its concatenated text.
type Response struct {
	Text       string
	StopReason string
	Message    *anthropic.Message
}

// Client wraps the Anthropic API. One cancellation token per call;
// nested operations share the caller's context.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates an inference client. Env var ANTHROPIC_API_KEY
// takes precedence over the explicit apiKey.
func NewClient(apiKey, model string, maxTokens int) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultTokens
	}
	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxTokens:      int64(maxTokens),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Model returns the configured model id.
func (c *Client) Model() string { return string(c.model) }

// MaxTokens returns the configured per-call token ceiling.
func (c *Client) MaxTokens() int { return int(c.maxTokens) }

// Complete runs one inference call with retry. Rate limiting that
// survives all retries is surfaced as types.ErrRateLimitExceeded.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTok,
		Messages:  req.Messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = req.Tools
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var (
			message *anthropic.Message
			err     error
		)
		if req.OnChunk != nil {
			message, err = c.stream(ctx, params, req.OnChunk)
		} else {
			message, err = c.client.Messages.New(ctx, params)
		}

		if err == nil {
			return buildResponse(message)
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			if isRateLimited(err) {
				return nil, fmt.Errorf("%w: %v", types.ErrRateLimitExceeded, err)
			}
			return nil, fmt.Errorf("non-retryable inference error: %w", err)
		}
		debug.Logf("inference attempt %d failed: %v", attempt+1, err)
	}

	if isRateLimited(lastErr) {
		return nil, fmt.Errorf("%w: %v", types.ErrRateLimitExceeded, lastErr)
	}
	return nil, fmt.Errorf("inference failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) stream(ctx context.Context, params anthropic.MessageNewParams, onChunk func(string)) (*anthropic.Message, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(deltaVariant.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &message, nil
}

func buildResponse(message *anthropic.Message) (*Response, error) {
	if message == nil {
		return nil, fmt.Errorf("unexpected response format: no message")
	}
	text := ""
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{
		Text:       text,
		StopReason: string(message.StopReason),
		Message:    message,
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}
	return false
}

// TextMessage builds a single-block user or assistant message param.
func TextMessage(role, text string) anthropic.MessageParam {
	if role == types.RoleAssistant {
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(text))
	}
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}

// HistoryToParams converts the running conversation history into
// message params, skipping tool bookkeeping entries the API cannot
// accept out of band.
func HistoryToParams(history []types.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		content := m.Content
		if content == "" && len(m.Parts) > 0 {
			for _, p := range m.Parts {
				if p.Type == "text" {
					content += p.Text
				}
			}
		}
		if content == "" {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		case types.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		}
	}
	return out
}
