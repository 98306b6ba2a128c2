package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/roelfdiedericks/personagate/internal/llm"
)

func drain(t *testing.T, ms *MessageStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := ms.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sb.String(), nil
			}
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
}

func TestStreamMessagePersistsReply(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", chunks: []string{"Hi ", "there", "!"}, tokens: 12}, nil)

	ms, err := f.orch.StreamMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	text, err := drain(t, ms)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Hi there!" {
		t.Errorf("streamed %q", text)
	}

	res, err := ms.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.AssistantMessage.Text != "Hi there!" || res.AssistantMessage.TokensUsed != 12 {
		t.Errorf("assistant message = %+v", res.AssistantMessage)
	}
	if f.usage(t) != 1 || f.messageCount(t) != 2 {
		t.Errorf("usage=%d count=%d", f.usage(t), f.messageCount(t))
	}
}

func TestStreamMessageMidStreamFailurePersistsPartial(t *testing.T) {
	boom := &llm.ProviderError{Kind: llm.ErrorTypeTimeout, Provider: "primary", Err: errors.New("read timeout")}
	f := newFixture(t,
		&fakeClient{name: "primary", chunks: []string{"Partial ", "answer"}, streamErr: boom},
		&fakeClient{name: "secondary", chunks: []string{"never"}})

	ms, err := f.orch.StreamMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	text, err := drain(t, ms)
	if !errors.Is(err, boom) {
		t.Fatalf("stream error = %v, want provider timeout", err)
	}
	if text != "Partial answer" {
		t.Errorf("streamed %q", text)
	}

	res, err := ms.Result()
	if !errors.Is(err, boom) {
		t.Errorf("Result error = %v", err)
	}
	if res == nil || res.AssistantMessage.Text != "Partial answer" {
		t.Fatalf("partial reply not persisted: %+v", res)
	}
	if res.AssistantMessage.ErrorType != string(llm.ErrorTypeTimeout) {
		t.Errorf("ErrorType = %q", res.AssistantMessage.ErrorType)
	}
	if len(f.secondary.Requests()) != 0 {
		t.Error("secondary used after the primary had delivered text")
	}
}

func TestStreamMessageCloseEarly(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", chunks: []string{"one ", "two ", "three"}}, nil)

	ms, err := f.orch.StreamMessage(context.Background(), f.request("count"))
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	if chunk, err := ms.Recv(); err != nil || chunk != "one " {
		t.Fatalf("first chunk = %q, %v", chunk, err)
	}
	ms.Close()

	res, err := ms.Result()
	if !errors.Is(err, llm.ErrStreamClosed) {
		t.Errorf("Result error = %v, want ErrStreamClosed", err)
	}
	if res == nil || res.UserMessage.Text != "count" || res.AssistantMessage.Text != "one " {
		t.Errorf("persisted = %+v", res)
	}

	// the session lock was released
	if _, err := f.orch.SendMessage(context.Background(), f.request("next")); err != nil {
		t.Errorf("follow-up send: %v", err)
	}
}

func TestStreamMessageAllProvidersDown(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", err: unavailable("primary")}, nil)

	ms, err := f.orch.StreamMessage(context.Background(), f.request("Hello"))
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	text, err := drain(t, ms)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != llm.DefaultApologyText {
		t.Errorf("streamed %q", text)
	}
	res, _ := ms.Result()
	if res == nil || !res.IsFallback || res.ErrorType != llm.ErrorTypeServiceUnavailable {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamMessageGreetingIsSingleChunk(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "Welcome!", tokens: 3}, nil)

	ms, err := f.orch.StreamMessage(context.Background(), f.request(GreetingTrigger))
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	chunk, err := ms.Recv()
	if err != nil || chunk != "Welcome!" {
		t.Fatalf("chunk = %q, %v", chunk, err)
	}
	if _, err := ms.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("second Recv = %v, want io.EOF", err)
	}
	res, err := ms.Result()
	if err != nil || res.AssistantMessage.Seq != 1 {
		t.Errorf("result = %+v, %v", res, err)
	}
}

func TestStreamMessageRejected(t *testing.T) {
	f := newFixture(t, &fakeClient{name: "primary", reply: "x"}, nil)
	_, err := f.orch.StreamMessage(context.Background(), f.request(""))
	if rej, ok := IsRejected(err); !ok || rej.Reason != ReasonInvalidMessage {
		t.Errorf("got %v, want invalid_message", err)
	}
}
