// Package events carries classified changes from the change processor to an
// external consumer.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
)

const (
	// DefaultCapacity bounds the number of undelivered changes.
	DefaultCapacity = 1024
	// DefaultPollInterval is how long Poll waits for a change when idle.
	DefaultPollInterval = 500 * time.Millisecond
)

// Sink receives classified changes. Publish must not block the caller.
type Sink interface {
	Publish(c model.Change)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(model.Change)

func (f SinkFunc) Publish(c model.Change) { f(c) }

// Discard is a Sink that drops every change.
var Discard Sink = SinkFunc(func(model.Change) {})

// Stream is a bounded single-consumer queue of changes. When full, the
// oldest undelivered change is dropped to make room.
type Stream struct {
	ch      chan model.Change
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewStream creates a stream holding up to capacity changes. capacity <= 0
// selects DefaultCapacity.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{ch: make(chan model.Change, capacity)}
}

// Publish enqueues c, dropping the oldest queued change if the stream is full.
// Publishing to a closed stream is a no-op.
func (s *Stream) Publish(c model.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- c:
			return
		default:
		}
		select {
		case <-s.ch:
			atomic.AddInt64(&s.dropped, 1)
		default:
		}
	}
}

// Next blocks until a change is available or ctx is done. It returns false
// once the stream is closed and drained.
func (s *Stream) Next(ctx context.Context) (model.Change, bool, error) {
	select {
	case c, ok := <-s.ch:
		return c, ok, nil
	case <-ctx.Done():
		return model.Change{}, false, ctx.Err()
	}
}

// Poll waits up to timeout for a change. timeout <= 0 selects
// DefaultPollInterval.
func (s *Stream) Poll(timeout time.Duration) (model.Change, bool) {
	if timeout <= 0 {
		timeout = DefaultPollInterval
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-s.ch:
		return c, ok
	case <-timer.C:
		return model.Change{}, false
	}
}

// Len returns the number of queued changes.
func (s *Stream) Len() int {
	return len(s.ch)
}

// Dropped returns how many changes were discarded because the stream was full.
func (s *Stream) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops accepting changes. Queued changes remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
