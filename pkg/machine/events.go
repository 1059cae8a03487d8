package machine

import (
	"sync"
	"time"
)

// StateEvent is one observed state transition.
type StateEvent struct {
	Name  string
	State State
	Time  time.Time
}

const eventMailboxSize = 16

// Events publishes state-change events to subscribers. It replaces a
// non-owning monitor back-reference: subscribers do not extend the machine's
// lifetime, publishing with no subscribers is fine, and publishing after
// Close is a detectable no-op.
type Events struct {
	mu     sync.Mutex
	subs   map[int]chan StateEvent
	nextID int
	closed bool
}

func NewEvents() *Events {
	return &Events{subs: map[int]chan StateEvent{}}
}

// Subscribe returns a mailbox of state events and a cancel function. The
// mailbox is buffered; events beyond its capacity are dropped rather than
// blocking the publisher.
func (e *Events) Subscribe() (<-chan StateEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan StateEvent, eventMailboxSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every live subscriber without blocking.
func (e *Events) Publish(ev StateEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close detaches all subscribers. Further publishes are no-ops.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
