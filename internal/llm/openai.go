package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client for OpenAI-compatible chat completion APIs.
// Works with OpenAI, OpenRouter, LM Studio and similar endpoints via BaseURL.
type OpenAIClient struct {
	name         string
	client       *openai.Client
	model        string
	maxTokens    int
	temperature  float64
	timeout      time.Duration
	baseURL      string
	metricPrefix string // e.g. "llm/primary"
}

// NewOpenAIClient creates an OpenAI-compatible client from ProviderConfig.
// The API key is optional for local servers.
func NewOpenAIClient(name string, cfg ProviderConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model not configured for %s", name)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	config := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL != "" {
		// OpenAI-compatible APIs live under /v1
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	displayURL := baseURL
	if displayURL == "" {
		displayURL = "(default)"
	}
	L_debug("openai: client created", "name", name, "model", cfg.Model, "baseURL", displayURL, "timeout", cfg.Timeout())

	return &OpenAIClient{
		name:         name,
		client:       openai.NewClientWithConfig(config),
		model:        cfg.Model,
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout(),
		baseURL:      displayURL,
		metricPrefix: "llm/" + name,
	}, nil
}

func (c *OpenAIClient) Name() string  { return c.name }
func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == types.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.temperature(c.temperature)),
		MaxTokens:   req.maxTokens(c.maxTokens),
	}
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := c.buildRequest(req)
	L_trace("openai: sending request", "provider", c.name, "model", c.model, "messages", len(request.Messages))

	resp, err := c.client.CreateChatCompletion(ctx, request)
	MetricDuration(c.metricPrefix, "request", time.Since(startTime))
	if err != nil {
		return Completion{}, c.fail("complete", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, c.fail("complete", errors.New("response contained no choices"))
	}

	MetricSuccess(c.metricPrefix, "request_status")
	MetricAdd(c.metricPrefix, "tokens", int64(resp.Usage.TotalTokens))
	L_debug("openai: response received", "provider", c.name, "tokens", resp.Usage.TotalTokens,
		"finishReason", resp.Choices[0].FinishReason, "duration", time.Since(startTime).Round(time.Millisecond))

	return Completion{
		Text:   resp.Choices[0].Message.Content,
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

// StreamComplete opens a streaming chat completion. Token usage is requested
// through stream_options.include_usage and arrives in the final chunk.
func (c *OpenAIClient) StreamComplete(ctx context.Context, req CompletionRequest) (*Stream, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	request := c.buildRequest(req)
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		cancel()
		MetricDuration(c.metricPrefix, "stream_open", time.Since(startTime))
		return nil, c.fail("stream_open", err)
	}

	return newStream(ctx, cancel, func(ctx context.Context, emit emitFunc) (int, error) {
		defer stream.Close()
		tokens := 0
		chunks := 0
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				MetricDuration(c.metricPrefix, "stream", time.Since(startTime))
				MetricSuccess(c.metricPrefix, "request_status")
				L_trace("openai: stream complete", "provider", c.name, "chunks", chunks, "tokens", tokens)
				return tokens, nil
			}
			if err != nil {
				return tokens, c.fail("stream_recv", err)
			}
			if chunk.Usage != nil {
				tokens = chunk.Usage.TotalTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			chunks++
			if !emit(chunk.Choices[0].Delta.Content) {
				return tokens, c.fail("stream_recv", ctx.Err())
			}
		}
	}), nil
}

func (c *OpenAIClient) fail(op string, err error) *ProviderError {
	pe := classify(c.name, err)
	MetricFailWithReason(c.metricPrefix, "request_status", string(pe.Kind))
	L_warn("openai: request failed", "provider", c.name, "model", c.model, "op", op,
		"errorType", pe.Kind, "status", pe.StatusCode, "error", err)
	return pe
}
