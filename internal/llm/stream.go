package llm

import (
	"context"
	"io"
	"sync"
)

// emitFunc hands one chunk to the consumer. It returns false once the
// consumer has gone away, after which the producer must stop reading.
type emitFunc func(chunk string) bool

// produceFunc reads an upstream response and emits its text chunks.
// It returns the token usage reported by the provider (0 if none).
type produceFunc func(ctx context.Context, emit emitFunc) (tokens int, err error)

// Stream is a finite, single-consumption sequence of text chunks backed by an
// unbuffered channel, so at most one chunk is in flight between the producer
// and the consumer.
type Stream struct {
	ch     chan string
	cancel context.CancelFunc

	// written by the producer before ch is closed
	err    error
	tokens int

	closeOnce sync.Once
}

// newStream starts produce on its own goroutine. cancel is owned by the
// stream and is called once the producer exits or Close is called.
func newStream(ctx context.Context, cancel context.CancelFunc, produce produceFunc) *Stream {
	s := &Stream{
		ch:     make(chan string),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		defer close(s.ch)
		emit := func(chunk string) bool {
			if chunk == "" {
				return ctx.Err() == nil
			}
			select {
			case s.ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.tokens, s.err = produce(ctx, emit)
	}()
	return s
}

// Recv returns the next chunk, io.EOF at the clean end of the stream, or the
// error that ended it.
func (s *Stream) Recv() (string, error) {
	chunk, ok := <-s.ch
	if ok {
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close cancels the producer, which closes the upstream response body.
// Safe to call more than once and after the stream has ended.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		// drain so the producer is never left blocked on a send
		for range s.ch {
		}
	})
}

// Usage returns the token count reported by the provider. Only meaningful
// after Recv has returned io.EOF.
func (s *Stream) Usage() int {
	return s.tokens
}

// NewStaticStream returns a stream that yields chunks and then ends with err
// (io.EOF semantics when err is nil). Used for canned replies and tests.
func NewStaticStream(chunks []string, tokens int, err error) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return newStream(ctx, cancel, func(ctx context.Context, emit emitFunc) (int, error) {
		for _, c := range chunks {
			if !emit(c) {
				return 0, ctx.Err()
			}
		}
		return tokens, err
	})
}
