package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/personagate/internal/llm"
	"github.com/roelfdiedericks/personagate/internal/quota"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// fakeClient answers every call with reply, or with err when set.
type fakeClient struct {
	name      string
	reply     string
	tokens    int
	err       error
	chunks    []string
	streamErr error

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (f *fakeClient) Name() string  { return f.name }
func (f *fakeClient) Model() string { return "fake" }

func (f *fakeClient) record(req llm.CompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeClient) Requests() []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.CompletionRequest(nil), f.requests...)
}

func (f *fakeClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	f.record(req)
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return llm.Completion{Text: f.reply, Tokens: f.tokens}, nil
}

func (f *fakeClient) StreamComplete(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	return llm.NewStaticStream(f.chunks, f.tokens, f.streamErr), nil
}

func unavailable(name string) error {
	return &llm.ProviderError{Kind: llm.ErrorTypeServiceUnavailable, StatusCode: 503, Provider: name, Err: errors.New("upstream 503")}
}

type fixture struct {
	store     store.Store
	primary   *fakeClient
	secondary *fakeClient
	orch      *Orchestrator
	session   *types.Session
}

// newFixture seeds persona "sage" (Sage) and a session owned by alice.
func newFixture(t *testing.T, primary, secondary *fakeClient) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.SeedPersona(ctx, types.Persona{
		ID:          "sage",
		Name:        "Sage",
		Description: "a patient mentor",
		Traits:      []string{"calm"},
	}); err != nil {
		t.Fatalf("SeedPersona: %v", err)
	}
	sess, err := st.CreateSession(ctx, "alice", "sage")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var sec llm.Client
	if secondary != nil {
		sec = secondary
	}
	retry := &llm.RetryPolicy{Delays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
	gen, err := llm.NewFallbackService(primary, sec, retry, "")
	if err != nil {
		t.Fatalf("NewFallbackService: %v", err)
	}
	orch, err := NewOrchestrator(st, gen, quota.NewLimiter(st, nil), nil, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &fixture{store: st, primary: primary, secondary: secondary, orch: orch, session: sess}
}

func (f *fixture) request(text string) SendRequest {
	return SendRequest{SessionID: f.session.ID, UserID: "alice", Tier: quota.TierFree, Text: text}
}

func (f *fixture) usage(t *testing.T) int {
	t.Helper()
	u, err := f.store.LoadUsage(context.Background(), "alice")
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("LoadUsage: %v", err)
	}
	return u.MessagesToday
}

func (f *fixture) messageCount(t *testing.T) int {
	t.Helper()
	sess, err := f.store.LoadSession(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	return sess.MessageCount
}
