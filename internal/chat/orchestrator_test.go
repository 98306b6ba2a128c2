package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/personagate/internal/llm"
	"github.com/roelfdiedericks/personagate/internal/quota"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/types"
)

func TestSendMessageEndToEnd(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "Hi there!", tokens: 12}, nil)

	res, err := f.orch.SendMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.IsFallback {
		t.Error("result marked as fallback")
	}
	if res.UserMessage.SenderName != "alice" || res.UserMessage.Text != "Hello" {
		t.Errorf("user message = %+v", res.UserMessage)
	}
	if res.AssistantMessage.SenderName != "Sage" || res.AssistantMessage.Text != "Hi there!" {
		t.Errorf("assistant message = %+v", res.AssistantMessage)
	}
	if res.AssistantMessage.TokensUsed != 12 {
		t.Errorf("TokensUsed = %d, want 12", res.AssistantMessage.TokensUsed)
	}

	turns, err := f.store.LoadRecentTurns(context.Background(), f.session.ID, 10)
	if err != nil {
		t.Fatalf("LoadRecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Text != "Hello" || turns[1].Text != "Hi there!" {
		t.Errorf("persisted turns = %+v", turns)
	}
	if got := f.usage(t); got != 1 {
		t.Errorf("messagesToday = %d, want 1", got)
	}
	if got := f.messageCount(t); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
}

func TestSendMessageBothProvidersDown(t *testing.T) {
	f := newFixture(t,
		&fakeClient{name: "primary", err: unavailable("primary")},
		&fakeClient{name: "secondary", err: unavailable("secondary")})

	res, err := f.orch.SendMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.IsFallback || res.ErrorType != llm.ErrorTypeServiceUnavailable {
		t.Errorf("IsFallback=%v ErrorType=%q", res.IsFallback, res.ErrorType)
	}
	if res.AssistantMessage.Text != llm.DefaultApologyText || res.AssistantMessage.TokensUsed != 0 {
		t.Errorf("assistant message = %+v", res.AssistantMessage)
	}
	if !res.AssistantMessage.IsFallback || res.AssistantMessage.ErrorType != "service_unavailable" {
		t.Errorf("persisted fallback fields = %+v", res.AssistantMessage)
	}
	if got := f.usage(t); got != 1 {
		t.Errorf("messagesToday = %d, want 1", got)
	}
	if len(f.primary.Requests()) != 1 {
		t.Errorf("primary called %d times, want 1 (503 is not retried)", len(f.primary.Requests()))
	}
}

func TestSendMessageUsesSecondary(t *testing.T) {
	rateLimited := &llm.ProviderError{Kind: llm.ErrorTypeRateLimit, StatusCode: 429, Provider: "primary", Err: errors.New("slow down")}
	f := newFixture(t,
		&fakeClient{name: "primary", err: rateLimited},
		&fakeClient{name: "secondary", reply: "Backup hello", tokens: 3})

	res, err := f.orch.SendMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.IsFallback || res.AssistantMessage.Text != "Backup hello" {
		t.Errorf("result = %+v", res)
	}
	if n := len(f.primary.Requests()); n != 4 {
		t.Errorf("primary called %d times, want 4", n)
	}
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "ok", tokens: 1}, nil)
	ctx := context.Background()

	other, err := f.store.CreateSession(ctx, "bob", "sage")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	orphan, err := f.store.CreateSession(ctx, "alice", "ghost")
	if err != nil {
		// foreign keys reject unknown personas; skip that case
		orphan = nil
	}

	cases := []struct {
		name   string
		req    SendRequest
		reason string
	}{
		{"empty", f.request("   "), ReasonInvalidMessage},
		{"too long", f.request(strings.Repeat("é", DefaultMaxMessageChars+1)), ReasonInvalidMessage},
		{"missing user", SendRequest{SessionID: f.session.ID, Text: "hi"}, ReasonInvalidMessage},
		{"unknown session", SendRequest{SessionID: "nope", UserID: "alice", Text: "hi"}, ReasonSessionNotFound},
		{"other user's session", SendRequest{SessionID: other.ID, UserID: "alice", Text: "hi"}, ReasonForbidden},
	}
	if orphan != nil {
		cases = append(cases, struct {
			name   string
			req    SendRequest
			reason string
		}{"unknown persona", SendRequest{SessionID: orphan.ID, UserID: "alice", Text: "hi"}, ReasonPersonaNotFound})
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.SendMessage(ctx, tc.req)
			rej, ok := IsRejected(err)
			if !ok {
				t.Fatalf("got %v, want RejectedError", err)
			}
			if rej.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", rej.Reason, tc.reason)
			}
		})
	}

	if got := f.usage(t); got != 0 {
		t.Errorf("rejected sends counted: messagesToday = %d", got)
	}
	if n := len(f.primary.Requests()); n != 0 {
		t.Errorf("provider called %d times for rejected sends", n)
	}
}

func TestSendMessageMaxLengthAccepted(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "ok", tokens: 1}, nil)
	if _, err := f.orch.SendMessage(context.Background(), f.request(strings.Repeat("a", DefaultMaxMessageChars))); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
}

func TestSendMessageQuotaExceeded(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "ok", tokens: 1}, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := f.orch.SendMessage(ctx, f.request("hi")); err != nil {
			t.Fatalf("message %d: %v", i+1, err)
		}
	}
	_, err := f.orch.SendMessage(ctx, f.request("one more"))
	rej, ok := IsRejected(err)
	if !ok || rej.Reason != ReasonQuotaExceeded || rej.Limit != 20 {
		t.Fatalf("21st message: %v", err)
	}
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Error("rejection does not wrap quota.ErrQuotaExceeded")
	}
	if got := f.messageCount(t); got != 40 {
		t.Errorf("message count = %d, want 40", got)
	}

	// pro users are never limited
	res, err := f.orch.SendMessage(ctx, SendRequest{SessionID: f.session.ID, UserID: "alice", Tier: quota.TierPro, Text: "pro"})
	if err != nil || res == nil {
		t.Errorf("pro tier refused: %v", err)
	}
}

func TestSendMessagePassesHistoryAndTemperature(t *testing.T) {
	primary := &fakeClient{name: "primary", reply: "noted", tokens: 2}
	f := newFixture(t, primary, nil)
	ctx := context.Background()

	if _, err := f.orch.SendMessage(ctx, f.request("first")); err != nil {
		t.Fatal(err)
	}
	hot := 5.0
	req := f.request("second")
	req.Temperature = &hot
	if _, err := f.orch.SendMessage(ctx, req); err != nil {
		t.Fatal(err)
	}

	reqs := primary.Requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	last := reqs[1]
	if last.Message != "second" {
		t.Errorf("Message = %q", last.Message)
	}
	if len(last.Turns) != 2 || last.Turns[0].Text != "first" || last.Turns[1].Role != types.RoleAssistant {
		t.Errorf("Turns = %+v", last.Turns)
	}
	if last.Temperature == nil || *last.Temperature != llm.MaxTemperature {
		t.Errorf("Temperature = %v, want clamped to %v", last.Temperature, llm.MaxTemperature)
	}
	if !strings.Contains(last.SystemPrompt, "Sage") {
		t.Errorf("system prompt does not name the persona: %q", last.SystemPrompt)
	}
}

func TestGreetingTrigger(t *testing.T) {
	primary := &fakeClient{name: "primary", reply: "Welcome, I'm Sage.", tokens: 8}
	f := newFixture(t, primary, nil)
	ctx := context.Background()

	first, err := f.orch.SendMessage(ctx, f.request(GreetingTrigger))
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if first.UserMessage.Text != GreetingMarker || first.UserMessage.Seq != 0 {
		t.Errorf("marker = %+v", first.UserMessage)
	}
	if first.AssistantMessage.Text != "Welcome, I'm Sage." || first.AssistantMessage.Seq != 1 {
		t.Errorf("greeting = %+v", first.AssistantMessage)
	}

	again, err := f.orch.SendMessage(ctx, f.request(GreetingTrigger))
	if err != nil {
		t.Fatalf("second greeting: %v", err)
	}
	if again.AssistantMessage.ID != first.AssistantMessage.ID {
		t.Error("second trigger produced a new opening exchange")
	}
	if n := len(primary.Requests()); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if got := f.usage(t); got != 0 {
		t.Errorf("greeting counted against quota: %d", got)
	}
	if got := f.messageCount(t); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}

	// the marker is not part of the prompt history
	turns, _ := f.store.LoadRecentTurns(ctx, f.session.ID, 20)
	if len(turns) != 1 || turns[0].Role != types.RoleAssistant {
		t.Errorf("history = %+v", turns)
	}
}

func TestGreetingReusedAcrossSessions(t *testing.T) {
	primary := &fakeClient{name: "primary", reply: "Hello again, alice.", tokens: 4}
	f := newFixture(t, primary, nil)
	ctx := context.Background()

	if _, err := f.orch.SendMessage(ctx, f.request(GreetingTrigger)); err != nil {
		t.Fatal(err)
	}
	sess2, err := f.store.CreateSession(ctx, "alice", "sage")
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.orch.SendMessage(ctx, SendRequest{SessionID: sess2.ID, UserID: "alice", Text: GreetingTrigger})
	if err != nil {
		t.Fatal(err)
	}
	if res.AssistantMessage.Text != "Hello again, alice." {
		t.Errorf("greeting = %q", res.AssistantMessage.Text)
	}
	if n := len(primary.Requests()); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestDegradedGreetingIsNotPersisted(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", err: unavailable("primary")}, nil)
	ctx := context.Background()

	res, err := f.orch.SendMessage(ctx, f.request(GreetingTrigger))
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if !res.IsFallback || res.AssistantMessage.Text != llm.DefaultApologyText {
		t.Errorf("result = %+v", res)
	}
	if got, _ := f.store.LoadOpeningExchange(ctx, f.session.ID); got != nil {
		t.Errorf("apology persisted as opening exchange: %+v", got)
	}
}

func TestSendMessageCanceledContext(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "late", tokens: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.SendMessage(ctx, f.request("hi"))
	if err == nil {
		t.Fatal("send with canceled context succeeded")
	}
	if _, ok := IsRejected(err); ok {
		t.Errorf("cancellation reported as rejection: %v", err)
	}
}

func TestSendMessageBlankReplyPersistsApology(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "", tokens: 3}, nil)

	res, err := f.orch.SendMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.IsFallback || res.AssistantMessage.Text != llm.DefaultApologyText {
		t.Errorf("result = %+v", res)
	}
	if res.AssistantMessage.ID == "" || res.AssistantMessage.Seq != 1 {
		t.Errorf("assistant message not persisted: %+v", res.AssistantMessage)
	}
	if got := f.messageCount(t); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
}

func TestBlankGreetingIsNeitherCachedNorPersisted(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "  ", tokens: 3}, nil)
	ctx := context.Background()

	res, err := f.orch.SendMessage(ctx, f.request(GreetingTrigger))
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if !res.IsFallback || res.AssistantMessage.Text != llm.DefaultApologyText {
		t.Errorf("result = %+v", res)
	}
	if _, err := f.store.LoadGreeting(ctx, "alice", "sage"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blank greeting cached: %v", err)
	}
	if got, _ := f.store.LoadOpeningExchange(ctx, f.session.ID); got != nil {
		t.Errorf("blank greeting persisted: %+v", got)
	}
}

func TestPaddedGreetingTriggerIsOrdinaryText(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "ok", tokens: 1}, nil)

	res, err := f.orch.SendMessage(context.Background(), f.request("  "+GreetingTrigger+"\n"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.UserMessage.Role != types.RoleUser || res.UserMessage.Text != GreetingTrigger {
		t.Errorf("user message = %+v", res.UserMessage)
	}
	if got := f.usage(t); got != 1 {
		t.Errorf("messagesToday = %d, want 1", got)
	}
}

func TestSendWaitingForLockIsNotCounted(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "ok", tokens: 1}, nil)

	unlock, err := f.orch.locker.Lock(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.orch.SendMessage(ctx, f.request("Hello")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if got := f.usage(t); got != 0 {
		t.Errorf("messagesToday = %d, want 0", got)
	}
	if got := f.messageCount(t); got != 0 {
		t.Errorf("message count = %d, want 0", got)
	}
}
