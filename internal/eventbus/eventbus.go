// Package eventbus fans out control-loop lifecycle events to any number of
// taps without blocking the loop itself. The control loop is the sole
// publisher; the audit log and prompt log ports are taps, and an external
// monitor (out of core scope) could register a third without the loop
// knowing it exists.
package eventbus

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// tapBufSize bounds how much a slow tap can lag before events are dropped
// for it specifically. A dropped event for one tap never blocks another.
const tapBufSize = 256

// Event is one lifecycle step of the control loop. ProjectID, when set,
// lets a tap route the event to per-project output (the audit and prompt
// logs file under the project's own sandbox directory).
type Event struct {
	ID        string
	Kind      string
	TaskID    string
	ProjectID string
	Payload   any
}

// Bus is a non-blocking single-publisher, multi-subscriber fan-out.
type Bus struct {
	mu   sync.Mutex
	taps []chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Tap registers a new unconditional subscriber and returns its channel.
// Every event published after Tap is called is delivered to it, best-effort.
func (b *Bus) Tap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans e out to every tap. Publish never blocks: a tap whose buffer
// is full has the event dropped for it, with a warning, rather than stalling
// the control loop.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	b.mu.Lock()
	taps := make([]chan Event, len(b.taps))
	copy(taps, b.taps)
	b.mu.Unlock()

	for _, ch := range taps {
		select {
		case ch <- e:
		default:
			log.Printf("[eventbus] dropping event kind=%s task=%s: tap buffer full", e.Kind, e.TaskID)
		}
	}
}

// Close closes every tap channel so draining consumers can finish and
// return. Publish must not be called after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	taps := b.taps
	b.taps = nil
	b.mu.Unlock()
	for _, ch := range taps {
		close(ch)
	}
}
