package watcher

import (
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
)

// DefaultDedupWindow suppresses repeats of the same event within this span.
const DefaultDedupWindow = 500 * time.Millisecond

type dedupKey struct {
	typ  model.EventType
	path string
}

type seenEvent struct {
	key dedupKey
	at  time.Time
}

// Deduplicator drops repeated (type, path) notifications that arrive within
// the window. Expired keys are purged in insertion order.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	last   map[dedupKey]time.Time
	order  []seenEvent
	now    func() time.Time
}

// NewDeduplicator creates a Deduplicator. window <= 0 selects
// DefaultDedupWindow.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{
		window: window,
		last:   make(map[dedupKey]time.Time),
		now:    time.Now,
	}
}

// ShouldProcess reports whether an event should be handled and records it.
func (d *Deduplicator) ShouldProcess(typ model.EventType, path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.purge(now)

	key := dedupKey{typ: typ, path: path}
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		return false
	}

	d.last[key] = now
	d.order = append(d.order, seenEvent{key: key, at: now})
	return true
}

// Len returns the number of keys currently remembered.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

func (d *Deduplicator) purge(now time.Time) {
	n := 0
	for ; n < len(d.order); n++ {
		ev := d.order[n]
		if now.Sub(ev.at) < d.window {
			break
		}
		// A later insertion for the same key owns the map slot.
		if at, ok := d.last[ev.key]; ok && at.Equal(ev.at) {
			delete(d.last, ev.key)
		}
	}
	if n > 0 {
		d.order = append(d.order[:0:0], d.order[n:]...)
	}
}
