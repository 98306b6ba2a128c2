package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// AnthropicClient implements Client for Anthropic's Messages API.
// Also works with Anthropic-compatible APIs via BaseURL.
type AnthropicClient struct {
	name         string
	client       anthropic.Client
	model        string
	maxTokens    int
	temperature  float64
	timeout      time.Duration
	metricPrefix string
}

// NewAnthropicClient creates an Anthropic client from ProviderConfig.
// The SDK's built-in retries are disabled; RetryPolicy owns retrying.
func NewAnthropicClient(name string, cfg ProviderConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured for %s", name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model not configured for %s", name)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	L_debug("anthropic: client created", "name", name, "model", cfg.Model, "timeout", cfg.Timeout())

	return &AnthropicClient{
		name:         name,
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout(),
		metricPrefix: "llm/" + name,
	}, nil
}

func (c *AnthropicClient) Name() string  { return c.name }
func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) buildParams(req CompletionRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Turns)+1)
	for _, turn := range req.Turns {
		if turn.Role == types.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.maxTokens(c.maxTokens)),
		Messages:    messages,
		Temperature: anthropic.Float(req.temperature(c.temperature)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

// Complete sends a non-streaming Messages request.
// Tokens used is input plus output tokens.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	L_trace("anthropic: sending request", "provider", c.name, "model", c.model, "turns", len(req.Turns))

	message, err := c.client.Messages.New(ctx, c.buildParams(req))
	MetricDuration(c.metricPrefix, "request", time.Since(startTime))
	if err != nil {
		return Completion{}, c.fail("complete", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	tokens := int(message.Usage.InputTokens + message.Usage.OutputTokens)

	MetricSuccess(c.metricPrefix, "request_status")
	MetricAdd(c.metricPrefix, "tokens", int64(tokens))
	L_debug("anthropic: response received", "provider", c.name, "stopReason", message.StopReason,
		"inputTokens", message.Usage.InputTokens, "outputTokens", message.Usage.OutputTokens)

	return Completion{Text: text.String(), Tokens: tokens}, nil
}

// StreamComplete opens a streaming Messages request. The SDK only reports
// HTTP failures once the first event is read, so open errors surface from
// the first Recv.
func (c *AnthropicClient) StreamComplete(ctx context.Context, req CompletionRequest) (*Stream, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))

	return newStream(ctx, cancel, func(ctx context.Context, emit emitFunc) (int, error) {
		defer stream.Close()
		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				return 0, c.fail("stream_recv", fmt.Errorf("accumulate error: %w", err))
			}

			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
					if !emit(delta.Text) {
						return 0, c.fail("stream_recv", ctx.Err())
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return 0, c.fail("stream_recv", err)
		}

		tokens := int(message.Usage.InputTokens + message.Usage.OutputTokens)
		MetricDuration(c.metricPrefix, "stream", time.Since(startTime))
		MetricSuccess(c.metricPrefix, "request_status")
		L_trace("anthropic: stream complete", "provider", c.name, "tokens", tokens)
		return tokens, nil
	}), nil
}

func (c *AnthropicClient) fail(op string, err error) *ProviderError {
	pe := classify(c.name, err)
	MetricFailWithReason(c.metricPrefix, "request_status", string(pe.Kind))
	L_warn("anthropic: request failed", "provider", c.name, "model", c.model, "op", op,
		"errorType", pe.Kind, "status", pe.StatusCode, "error", err)
	return pe
}
