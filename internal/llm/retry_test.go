package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func testPolicy(timer *recordingTimer) *RetryPolicy {
	p := NewRetryPolicy(nil)
	p.NewTimer = func() backoff.Timer { return timer }
	return p
}

func TestRetryRateLimitSchedule(t *testing.T) {
	timer := &recordingTimer{}
	client := failing("primary", ErrorTypeRateLimit, 10)

	_, attempts, err := testPolicy(timer).Complete(context.Background(), client, CompletionRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if attempts != 4 || client.Calls() != 4 {
		t.Fatalf("expected 4 attempts, got attempts=%d calls=%d", attempts, client.Calls())
	}
	if KindOf(err) != ErrorTypeRateLimit {
		t.Errorf("expected rate_limit, got %s", KindOf(err))
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := timer.Waits()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRetryDoesNotRetryPermanentKinds(t *testing.T) {
	for _, kind := range []ErrorType{ErrorTypeTimeout, ErrorTypeServiceUnavailable, ErrorTypeUnknown} {
		t.Run(string(kind), func(t *testing.T) {
			timer := &recordingTimer{}
			client := failing("primary", kind, 10)

			_, attempts, err := testPolicy(timer).Complete(context.Background(), client, CompletionRequest{})
			if attempts != 1 || client.Calls() != 1 {
				t.Errorf("expected a single attempt, got %d", attempts)
			}
			if KindOf(err) != kind {
				t.Errorf("expected %s, got %s", kind, KindOf(err))
			}
			if len(timer.Waits()) != 0 {
				t.Errorf("expected no waits, got %v", timer.Waits())
			}
		})
	}
}

func TestRetryRecoversAfterRateLimit(t *testing.T) {
	timer := &recordingTimer{}
	client := failing("primary", ErrorTypeRateLimit, 2)
	client.reply = Completion{Text: "ok", Tokens: 3}

	comp, attempts, err := testPolicy(timer).Complete(context.Background(), client, CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comp.Text != "ok" || attempts != 3 {
		t.Errorf("got text=%q attempts=%d", comp.Text, attempts)
	}
}

func TestRetryWaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := failing("primary", ErrorTypeRateLimit, 10)

	// real timers with a long delay; cancel while waiting
	p := NewRetryPolicy([]time.Duration{time.Hour})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, attempts, err := p.Complete(ctx, client, CompletionRequest{})
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff wait was not cancelled")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ErrorTypeRateLimit {
		t.Errorf("expected the last provider error, got %v", err)
	}
}
