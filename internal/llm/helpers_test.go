package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// scriptedClient returns errs[i] on the i-th call (the last entry repeats),
// then reply once errs is exhausted.
type scriptedClient struct {
	name      string
	errs      []error
	reply     Completion
	chunks    []string
	streamErr error // returned after chunks on streams

	mu    sync.Mutex
	calls int
}

func (c *scriptedClient) Name() string  { return c.name }
func (c *scriptedClient) Model() string { return "test-model" }

func (c *scriptedClient) next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) {
		return c.errs[i]
	}
	return nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := c.next(); err != nil {
		return Completion{}, err
	}
	return c.reply, nil
}

func (c *scriptedClient) StreamComplete(ctx context.Context, req CompletionRequest) (*Stream, error) {
	if err := c.next(); err != nil {
		return nil, err
	}
	return NewStaticStream(c.chunks, c.reply.Tokens, c.streamErr), nil
}

func failing(name string, kind ErrorType, n int) *scriptedClient {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &ProviderError{Kind: kind, Provider: name, Err: errors.New(string(kind))}
	}
	return &scriptedClient{name: name, errs: errs}
}

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}
