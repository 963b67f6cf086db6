// Package stage defines the streaming contract shared by the transcription,
// generation and synthesis adapters: a single-pass pull stream with
// cancellation, and a bounded retry policy for transient backend errors.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stage names used in failure reporting.
const (
	Transcription = "transcription"
	Generation    = "generation"
	Synthesis     = "synthesis"
)

// ErrUnavailable indicates the external engine was unreachable or slow to
// start. It is retried with backoff before surfacing as a Failure.
var ErrUnavailable = errors.New("adapter unavailable")

// ErrCancelled is returned from Next after the stream has been cancelled.
var ErrCancelled = errors.New("stream cancelled")

// Failure is the terminal error of a pipeline stage: retries were exhausted
// or the backend returned an unrecoverable error. It aborts the current turn
// only, never the session.
type Failure struct {
	Stage string
	Cause error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", f.Stage, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Fail wraps err as a Failure for the named stage, passing through an
// existing Failure unchanged.
func Fail(stage string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) {
		return err
	}
	return &Failure{Stage: stage, Cause: err}
}

// Stream is a single-pass result stream bridging a push-style backend to the
// pull-style pipeline. The producer side calls Emit/Fail/Close; the consumer
// side calls Next until io.EOF. Cancel is safe to call concurrently with an
// in-flight Next and guarantees no item is delivered after it returns.
type Stream[T any] struct {
	items chan T
	done  chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once
	onCancel   func()

	errMu sync.Mutex
	err   error
}

// NewStream creates a stream with the given item buffer. The buffer bounds
// how far the producer may run ahead of the consumer: a full buffer blocks
// Emit, propagating consumer backpressure upstream. onCancel, if non-nil, is
// invoked once when the consumer cancels, so adapters can signal best-effort
// termination to the remote engine.
func NewStream[T any](buffer int, onCancel func()) *Stream[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream[T]{
		items:    make(chan T, buffer),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
}

// Emit delivers one item, blocking while the consumer's buffer is full.
// It reports false once the stream is cancelled; producers must stop then.
func (s *Stream[T]) Emit(item T) bool {
	select {
	case <-s.done:
		return false
	case s.items <- item:
		return true
	}
}

// Close marks the normal end of the stream.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() { close(s.items) })
}

// Fail terminates the stream with err; Next returns it after draining.
func (s *Stream[T]) Fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.Close()
}

// Next returns the next item, io.EOF at normal end of stream, ErrCancelled
// after cancellation, or the context/stream error.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-s.done:
		return zero, ErrCancelled
	default:
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrCancelled
	case item, ok := <-s.items:
		if !ok {
			s.errMu.Lock()
			err := s.err
			s.errMu.Unlock()
			if err != nil {
				return zero, err
			}
			return zero, io.EOF
		}
		return item, nil
	}
}

// Cancel requests early termination. Idempotent; never panics; after it
// returns no further items are delivered to the consumer.
func (s *Stream[T]) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Cancelled reports whether Cancel has been called.
func (s *Stream[T]) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
