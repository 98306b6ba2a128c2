package llm

import (
	"context"

	"github.com/roelfdiedericks/personagate/internal/types"
)

// MaxTemperature is the upper bound accepted for sampling temperature.
const MaxTemperature = 2.0

// Client is the capability every upstream text-generation backend provides.
// Implementations: OpenAIClient, AnthropicClient.
// Clients never retry; failures are returned as *ProviderError.
type Client interface {
	Name() string  // Instance name ("primary", "secondary")
	Model() string // Model identifier sent upstream

	// Complete sends one request and waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)

	// StreamComplete opens a streaming request. Errors that happen before the
	// response starts are returned here; later ones come out of Stream.Recv.
	StreamComplete(ctx context.Context, req CompletionRequest) (*Stream, error)
}

// CompletionRequest is a provider-agnostic chat request.
type CompletionRequest struct {
	SystemPrompt string
	Turns        []types.Turn // oldest first
	Message      string       // the new user utterance
	Temperature  *float64     // nil = provider default
	MaxTokens    int          // 0 = provider default
}

// Completion is a successful provider reply.
type Completion struct {
	Text   string
	Tokens int
}

// CompletionResult is the normalized output of the fallback service.
// It is returned for provider failures too; see IsFallback.
type CompletionResult struct {
	Text       string    `json:"text"`
	TokensUsed int       `json:"tokensUsed"`
	Sentiment  string    `json:"sentiment,omitempty"`
	IsFallback bool      `json:"isFallback"`
	ErrorType  ErrorType `json:"errorType,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

// ClampTemperature bounds t to [0, MaxTemperature].
func ClampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > MaxTemperature {
		return MaxTemperature
	}
	return t
}

func (r CompletionRequest) temperature(def float64) float64 {
	if r.Temperature != nil {
		return ClampTemperature(*r.Temperature)
	}
	return def
}

func (r CompletionRequest) maxTokens(def int) int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return def
}
