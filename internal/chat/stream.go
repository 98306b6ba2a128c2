package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/roelfdiedericks/personagate/internal/llm"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
)

// MessageStream delivers a reply chunk by chunk and persists the exchange
// when it ends. It is single-consumer.
type MessageStream struct {
	o      *Orchestrator
	s      *send
	ctx    context.Context
	rs     *llm.ResultStream // nil for the greeting path
	cancel context.CancelFunc
	unlock func()
	start  time.Time

	// greeting path: one pre-computed chunk
	chunk   string
	pending bool

	finished bool
	result   *SendResult
	err      error
}

// StreamMessage validates and counts req like SendMessage, then starts the
// reply. The session stays locked until the stream ends or is closed.
func (o *Orchestrator) StreamMessage(ctx context.Context, req SendRequest) (*MessageStream, error) {
	s, err := o.prepare(ctx, req)
	if err != nil {
		return nil, o.fail(s, err)
	}

	unlock, err := o.locker.Lock(ctx, s.session.ID)
	if err != nil {
		return nil, o.fail(s, err)
	}
	if err := o.checkQuota(ctx, s); err != nil {
		unlock()
		return nil, o.fail(s, err)
	}

	ms := &MessageStream{o: o, s: s, ctx: ctx, unlock: unlock, start: time.Now()}

	if s.isGreeting() {
		res, err := o.greet(ctx, s)
		unlock()
		ms.unlock = nil
		if err != nil {
			return nil, o.fail(s, err)
		}
		o.done(s, res)
		ms.chunk = res.AssistantMessage.Text
		ms.pending = true
		ms.result = res
		return ms, nil
	}

	s.to(stateGenerating)
	creq, err := o.request(ctx, s)
	if err != nil {
		unlock()
		return nil, o.fail(s, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.opts.TotalBudget)
	ms.cancel = cancel
	ms.rs = o.gen.Stream(genCtx, creq)
	return ms, nil
}

// Recv returns the next chunk, io.EOF once the exchange is persisted, or the
// error that ended the stream early.
func (m *MessageStream) Recv() (string, error) {
	if m.pending {
		m.pending = false
		return m.chunk, nil
	}
	if m.rs == nil {
		m.finished = true
		return "", io.EOF
	}
	if m.finished {
		if m.err != nil {
			return "", m.err
		}
		return "", io.EOF
	}

	chunk, err := m.rs.Recv()
	if err == nil {
		return chunk, nil
	}
	m.finish()
	if errors.Is(err, io.EOF) && m.err == nil {
		return "", io.EOF
	}
	if m.err != nil {
		return "", m.err
	}
	return "", err
}

// Close ends the stream early. Whatever was delivered so far is persisted.
func (m *MessageStream) Close() {
	if m.rs != nil && !m.finished {
		m.rs.Close()
		m.finish()
	}
	m.pending = false
}

// Result returns the persisted exchange. It is available after Recv returned
// io.EOF or an error, or after Close. For streams that ended early the
// result is returned together with the error that ended them.
func (m *MessageStream) Result() (*SendResult, error) {
	return m.result, m.err
}

func (m *MessageStream) finish() {
	if m.finished {
		return
	}
	m.finished = true
	defer func() {
		m.cancel()
		m.unlock()
		MetricDuration(topic, "stream", time.Since(m.start))
	}()

	sum := m.rs.Summary()
	m.s.to(statePersisting)

	result := llm.CompletionResult{
		Text:       sum.Text,
		TokensUsed: sum.Tokens,
		Sentiment:  sum.Sentiment,
		IsFallback: sum.IsFallback,
		ErrorType:  sum.ErrorType,
		Provider:   sum.Provider,
	}
	if sum.Err != nil {
		L_info("chat: stream ended early", "session", m.s.session.ID, "delivered", len(sum.Text), "error", sum.Err)
	}

	// the caller may already be gone; persistExchange detaches from ctx
	res, err := m.o.persistExchange(m.ctx, m.s, result, sum.Text != "")
	if err != nil {
		m.err = m.o.fail(m.s, err)
		return
	}
	m.result = res
	if sum.Err != nil {
		m.err = sum.Err
		m.s.to(stateDone)
		MetricOutcome(topic, "stream", "partial")
		return
	}
	m.o.done(m.s, res)
}
