package remotelog

import (
	"context"
	"sync"
)

// Hub fans events out to live subscribers keyed by session ID. Slow
// subscribers lose events rather than stall the guest.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for session and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(session string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	set, ok := h.subs[session]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[session] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[session]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, session)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to the subscribers of session.
func (h *Hub) Publish(session string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[session] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for session.
func (h *Hub) Subscribers(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[session])
}

// Sink returns a Sink publishing into session.
func (h *Hub) Sink(session string) Sink {
	return SinkFunc(func(_ context.Context, ev Event) error {
		h.Publish(session, ev)
		return nil
	})
}
