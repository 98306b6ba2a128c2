package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/tokens"
)

// DefaultApologyText is returned when no provider could produce a reply.
const DefaultApologyText = "I apologize, but I'm having trouble connecting right now. Please try again in a moment."

// ErrStreamClosed is the summary error of a stream closed before it ended.
var ErrStreamClosed = errors.New("stream closed before completion")

const fallbackTopic = "llm/fallback"

// FallbackService runs the primary under a RetryPolicy, then at most one
// secondary attempt, then degrades to a canned apology. Provider failures
// never come back as errors; callers branch on CompletionResult.IsFallback.
type FallbackService struct {
	primary   Client
	secondary Client // nil = not configured
	retry     *RetryPolicy
	apology   string
	estimator *tokens.Estimator
}

// NewFallbackService wires the providers together. A nil primary is a
// configuration error.
func NewFallbackService(primary, secondary Client, retry *RetryPolicy, apology string) (*FallbackService, error) {
	if primary == nil {
		return nil, fmt.Errorf("fallback: primary provider is required")
	}
	if retry == nil {
		retry = NewRetryPolicy(nil)
	}
	if strings.TrimSpace(apology) == "" {
		apology = DefaultApologyText
	}
	return &FallbackService{
		primary:   primary,
		secondary: secondary,
		retry:     retry,
		apology:   apology,
		estimator: tokens.Get(),
	}, nil
}

// ApologyText returns the canned degraded reply.
func (s *FallbackService) ApologyText() string {
	return s.apology
}

// Generate produces a reply for req. It always returns a usable result.
func (s *FallbackService) Generate(ctx context.Context, req CompletionRequest) CompletionResult {
	startTime := time.Now()
	defer func() { MetricDuration(fallbackTopic, "generate", time.Since(startTime)) }()

	comp, attempts, err := s.retry.Complete(ctx, s.primary, req)
	if err == nil {
		MetricOutcome(fallbackTopic, "generate", "primary")
		return s.success(comp, s.primary.Name())
	}

	primaryKind := KindOf(err)
	L_warn("fallback: primary failed", "provider", s.primary.Name(), "attempts", attempts,
		"errorType", primaryKind, "error", err)

	if s.secondary != nil && ctx.Err() == nil {
		comp, err := complete(ctx, s.secondary, req)
		if err == nil {
			L_info("fallback: secondary answered", "provider", s.secondary.Name())
			MetricOutcome(fallbackTopic, "generate", "secondary")
			return s.success(comp, s.secondary.Name())
		}
		L_warn("fallback: secondary failed", "provider", s.secondary.Name(), "errorType", KindOf(err), "error", err)
	}

	MetricOutcome(fallbackTopic, "generate", "apology")
	return s.apologyResult(primaryKind)
}

// complete calls client.Complete and reports a blank reply as a failure.
func complete(ctx context.Context, client Client, req CompletionRequest) (Completion, error) {
	comp, err := client.Complete(ctx, req)
	if err == nil && strings.TrimSpace(comp.Text) == "" {
		return Completion{}, &ProviderError{Kind: ErrorTypeUnknown, Provider: client.Name(), Err: ErrEmptyReply}
	}
	return comp, err
}

func (s *FallbackService) success(comp Completion, provider string) CompletionResult {
	return CompletionResult{
		Text:       comp.Text,
		TokensUsed: comp.Tokens,
		Sentiment:  ClassifySentiment(comp.Text),
		Provider:   provider,
	}
}

func (s *FallbackService) apologyResult(kind ErrorType) CompletionResult {
	if kind == ErrorTypeNone {
		kind = ErrorTypeUnknown
	}
	return CompletionResult{
		Text:       s.apology,
		IsFallback: true,
		ErrorType:  kind,
	}
}

// openedStream is a provider stream whose first chunk has already been read.
type openedStream struct {
	first  string
	stream *Stream
}

func openAndPeek(ctx context.Context, client Client, req CompletionRequest) (openedStream, error) {
	st, err := client.StreamComplete(ctx, req)
	if err != nil {
		return openedStream{}, err
	}
	chunk, err := st.Recv()
	if errors.Is(err, io.EOF) {
		st.Close()
		return openedStream{}, &ProviderError{Kind: ErrorTypeUnknown, Provider: client.Name(), Err: ErrEmptyReply}
	}
	if err != nil {
		st.Close()
		return openedStream{}, err
	}
	return openedStream{first: chunk, stream: st}, nil
}

// Stream is the streaming counterpart of Generate. A provider is committed
// to only once its first chunk has arrived, so open failures fall through
// the same primary, secondary, apology chain. After the first chunk a
// failure ends the stream with that error and no provider switch.
func (s *FallbackService) Stream(ctx context.Context, req CompletionRequest) *ResultStream {
	rs := &ResultStream{estimator: s.estimator, promptTokens: s.promptTokens(req)}

	opened, attempts, err := retryCall(ctx, s.retry, s.primary.Name(), func(ctx context.Context) (openedStream, error) {
		return openAndPeek(ctx, s.primary, req)
	})
	if err == nil {
		MetricOutcome(fallbackTopic, "stream", "primary")
		rs.attach(opened, s.primary.Name())
		return rs
	}

	primaryKind := KindOf(err)
	L_warn("fallback: primary stream failed to open", "provider", s.primary.Name(), "attempts", attempts,
		"errorType", primaryKind, "error", err)

	if s.secondary != nil && ctx.Err() == nil {
		opened, err := openAndPeek(ctx, s.secondary, req)
		if err == nil {
			L_info("fallback: secondary stream opened", "provider", s.secondary.Name())
			MetricOutcome(fallbackTopic, "stream", "secondary")
			rs.attach(opened, s.secondary.Name())
			return rs
		}
		L_warn("fallback: secondary stream failed to open", "provider", s.secondary.Name(),
			"errorType", KindOf(err), "error", err)
	}

	MetricOutcome(fallbackTopic, "stream", "apology")
	apology := s.apologyResult(primaryKind)
	rs.first = apology.Text
	rs.pending = true
	rs.isFallback = true
	rs.errorType = apology.ErrorType
	return rs
}

func (s *FallbackService) promptTokens(req CompletionRequest) int {
	n := s.estimator.Count(req.SystemPrompt) + s.estimator.Count(req.Message)
	for _, t := range req.Turns {
		n += s.estimator.Count(t.Text)
	}
	return n
}

// StreamSummary is the terminal record of a ResultStream.
type StreamSummary struct {
	Text       string
	Tokens     int
	Sentiment  string
	IsFallback bool
	ErrorType  ErrorType
	Provider   string
	Err        error // non-nil when the stream ended early
}

// ResultStream delivers the chunks chosen by FallbackService.Stream.
// It is single-consumer: Recv, Close and Summary must be called from the
// goroutine that consumes it.
type ResultStream struct {
	first   string
	pending bool
	inner   *Stream // nil for the apology stream

	provider     string
	isFallback   bool
	errorType    ErrorType
	estimator    *tokens.Estimator
	promptTokens int

	text    strings.Builder
	done    bool
	summary StreamSummary
}

func (r *ResultStream) attach(o openedStream, provider string) {
	r.inner = o.stream
	r.first = o.first
	r.pending = true
	r.provider = provider
}

// Recv returns the next chunk, io.EOF after the last one, or the error that
// ended the stream early.
func (r *ResultStream) Recv() (string, error) {
	if r.done {
		if r.summary.Err != nil {
			return "", r.summary.Err
		}
		return "", io.EOF
	}
	if r.pending {
		r.pending = false
		r.text.WriteString(r.first)
		return r.first, nil
	}
	if r.inner == nil {
		r.finish(nil)
		return "", io.EOF
	}

	chunk, err := r.inner.Recv()
	if err == nil {
		r.text.WriteString(chunk)
		return chunk, nil
	}
	if errors.Is(err, io.EOF) {
		r.finish(nil)
		return "", io.EOF
	}
	L_warn("fallback: stream failed after delivery", "provider", r.provider, "delivered", r.text.Len(), "error", err)
	MetricFailWithReason(fallbackTopic, "stream_delivery", string(KindOf(err)))
	r.finish(err)
	return "", err
}

// Close stops the upstream producer. Closing before the end marks the
// summary with ErrStreamClosed.
func (r *ResultStream) Close() {
	if r.inner != nil {
		r.inner.Close()
	}
	if !r.done {
		r.finish(ErrStreamClosed)
	}
}

// Summary returns the terminal record. Complete only after Recv returned
// io.EOF or an error, or after Close.
func (r *ResultStream) Summary() StreamSummary {
	return r.summary
}

func (r *ResultStream) finish(err error) {
	r.done = true
	text := r.text.String()

	used := 0
	switch {
	case r.isFallback:
	case r.inner != nil && r.inner.Usage() > 0 && err == nil:
		used = r.inner.Usage()
	default:
		used = r.promptTokens + r.estimator.Count(text)
	}

	errorType := r.errorType
	if err != nil && !errors.Is(err, ErrStreamClosed) {
		errorType = KindOf(err)
	}

	r.summary = StreamSummary{
		Text:       text,
		Tokens:     used,
		IsFallback: r.isFallback,
		ErrorType:  errorType,
		Provider:   r.provider,
		Err:        err,
	}
	if !r.isFallback && text != "" {
		r.summary.Sentiment = ClassifySentiment(text)
	}
}
