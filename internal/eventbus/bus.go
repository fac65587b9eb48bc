// Package eventbus is the in-memory fanout decoupling the pipeline from
// its observers (run auditing, future surfaces).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the pipeline.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunSkipped  = "run.skipped"
	RunFailed   = "run.failed"
	ItemSent    = "item.sent"
)

// RunEvent is the payload for the run.* types.
type RunEvent struct {
	SourceID  string
	StartedAt time.Time
	Duration  time.Duration
	Sent      int
	Failed    int
	Err       error
}

// ItemEvent is the payload for item.sent.
type ItemEvent struct {
	SourceID string
	ItemKey  string
	Title    string
}

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no background
// goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrent unsubscribe may close the
		// channel, so recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
