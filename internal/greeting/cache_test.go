package greeting

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/personagate/internal/llm"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/types"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "greeting.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func reply(text string, calls *atomic.Int32) GenerateFunc {
	return func(ctx context.Context) llm.CompletionResult {
		calls.Add(1)
		return llm.CompletionResult{Text: text, TokensUsed: 9}
	}
}

func TestIsCorrupt(t *testing.T) {
	cases := map[string]bool{
		llm.DefaultApologyText:               true,
		"I'm having TROUBLE CONNECTING today": true,
		"Please try again later":              true,
		"Hello Alice, I'm Sage!":              false,
		"":                                    true,
		" \n\t":                               true,
	}
	for text, want := range cases {
		if got := IsCorrupt(text); got != want {
			t.Errorf("IsCorrupt(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestGetOrCreateCachesGenuineGreeting(t *testing.T) {
	st := newStore(t)
	c := NewCache(st)
	ctx := context.Background()
	var calls atomic.Int32

	first, err := c.GetOrCreate(ctx, "alice", "sage", reply("Hello Alice!", &calls))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := c.GetOrCreate(ctx, "alice", "sage", reply("Something else", &calls))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.Text != "Hello Alice!" || second.Text != first.Text {
		t.Errorf("texts = %q, %q", first.Text, second.Text)
	}
	if second.Provider != ProviderCache || second.TokensUsed != 9 {
		t.Errorf("cached result = %+v", second)
	}
	if calls.Load() != 1 {
		t.Errorf("generator ran %d times, want 1", calls.Load())
	}
}

func TestFallbackIsNeverCached(t *testing.T) {
	st := newStore(t)
	c := NewCache(st)
	ctx := context.Background()

	apology := func(ctx context.Context) llm.CompletionResult {
		return llm.CompletionResult{Text: llm.DefaultApologyText, IsFallback: true, ErrorType: llm.ErrorTypeRateLimit}
	}
	got, err := c.GetOrCreate(ctx, "alice", "sage", apology)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !got.IsFallback {
		t.Error("fallback flag lost")
	}
	if _, err := st.LoadGreeting(ctx, "alice", "sage"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fallback was stored: %v", err)
	}

	var calls atomic.Int32
	got, _ = c.GetOrCreate(ctx, "alice", "sage", reply("Welcome back", &calls))
	if got.Text != "Welcome back" || calls.Load() != 1 {
		t.Errorf("after fallback: %+v, calls=%d", got, calls.Load())
	}
}

func TestCorruptedEntryIsReplaced(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if _, err := st.InsertGreetingIfAbsent(ctx, types.Greeting{UserID: "alice", PersonaID: "sage", Text: llm.DefaultApologyText}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewCache(st)
	var calls atomic.Int32
	got, err := c.GetOrCreate(ctx, "alice", "sage", reply("A real hello", &calls))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got.Text != "A real hello" || calls.Load() != 1 {
		t.Errorf("got %+v, calls=%d", got, calls.Load())
	}
	g, err := st.LoadGreeting(ctx, "alice", "sage")
	if err != nil || g.Text != "A real hello" {
		t.Errorf("stored = %+v, %v", g, err)
	}
}

func TestConcurrentCallersConverge(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	// two caches model two replicas sharing one store
	caches := []*Cache{NewCache(st), NewCache(st)}
	var calls atomic.Int32
	slow := func(ctx context.Context) llm.CompletionResult {
		n := calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return llm.CompletionResult{Text: fmt.Sprintf("Hello #%d", n), TokensUsed: 5}
	}

	const callers = 10
	texts := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := caches[i%2].GetOrCreate(ctx, "alice", "sage", slow)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			texts[i] = res.Text
		}(i)
	}
	wg.Wait()

	for i, text := range texts {
		if text != texts[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", i, text, texts[0])
		}
	}
	if n := calls.Load(); n > 2 {
		t.Errorf("generator ran %d times, want at most one per replica", n)
	}
	g, err := st.LoadGreeting(ctx, "alice", "sage")
	if err != nil || g.Text != texts[0] {
		t.Errorf("stored = %+v, %v", g, err)
	}
}

func TestCallerCancellation(t *testing.T) {
	st := newStore(t)
	c := NewCache(st)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	blocked := func(context.Context) llm.CompletionResult {
		<-release
		return llm.CompletionResult{Text: "late"}
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(ctx, "alice", "sage", blocked)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetOrCreate did not return after cancellation")
	}
	close(release)
}

func TestBlankGreetingIsNotCached(t *testing.T) {
	st := newStore(t)
	c := NewCache(st)
	ctx := context.Background()
	var calls atomic.Int32

	if _, err := c.GetOrCreate(ctx, "alice", "sage", reply("", &calls)); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := st.LoadGreeting(ctx, "alice", "sage"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("blank greeting was stored: %v", err)
	}
	got, err := c.GetOrCreate(ctx, "alice", "sage", reply("Hello Alice!", &calls))
	if err != nil || got.Text != "Hello Alice!" || calls.Load() != 2 {
		t.Errorf("got %+v, %v, calls=%d", got, err, calls.Load())
	}
}

func TestCanceledCallerDoesNotDegradeOthers(t *testing.T) {
	st := newStore(t)
	c := NewCache(st)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	gen := func(ctx context.Context) llm.CompletionResult {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if ctx.Err() != nil {
			return llm.CompletionResult{Text: llm.DefaultApologyText, IsFallback: true, ErrorType: llm.ErrorTypeTimeout}
		}
		return llm.CompletionResult{Text: "Hello Alice!", TokensUsed: 4}
	}

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(first, "alice", "sage", gen)
		firstDone <- err
	}()
	<-started

	type outcome struct {
		res llm.CompletionResult
		err error
	}
	secondDone := make(chan outcome, 1)
	go func() {
		res, err := c.GetOrCreate(context.Background(), "alice", "sage", gen)
		secondDone <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller: got %v, want context.Canceled", err)
	}
	close(release)

	select {
	case out := <-secondDone:
		if out.err != nil || out.res.IsFallback || out.res.Text != "Hello Alice!" {
			t.Errorf("second caller got %+v, %v", out.res, out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	g, err := st.LoadGreeting(context.Background(), "alice", "sage")
	if err != nil || g.Text != "Hello Alice!" {
		t.Errorf("stored = %+v, %v", g, err)
	}
}
