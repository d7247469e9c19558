package engine

import (
	"sync"
	"time"
)

// ProgressEvent is one engine startup milestone.
type ProgressEvent struct {
	Time    time.Time `json:"ts"`
	State   State     `json:"state"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
}

// progressBroadcaster fans out progress events to subscribers. A new
// subscriber first receives the latest event, so it always starts from the
// current status. Thread-safe.
type progressBroadcaster struct {
	mu      sync.Mutex
	last    *ProgressEvent
	clients map[uint64]chan ProgressEvent
	nextID  uint64
}

func newProgressBroadcaster() *progressBroadcaster {
	return &progressBroadcaster{
		clients: make(map[uint64]chan ProgressEvent),
	}
}

func (b *progressBroadcaster) send(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &ev
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it so startup never blocks on a reader.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// subscribe returns an events channel and an unsubscribe func. Unsubscribing
// twice is a no-op.
func (b *progressBroadcaster) subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, buffer+1)
	if b.last != nil {
		ch <- *b.last
	}
	id := b.nextID
	b.nextID++
	b.clients[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, unsub
}

func (b *progressBroadcaster) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
