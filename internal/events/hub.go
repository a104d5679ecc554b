package events

import (
	"context"
	"sync"
)

// Hub fans events out to in-process subscribers keyed by guild. A subscriber
// with a full buffer misses events rather than stalling the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
	buffer int
}

// NewHub creates an initialized Hub. Buffer sizes below 1 are clamped.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers interest in a guild's events. An empty guild ID
// subscribes to every guild. The returned cancel func is idempotent.
func (h *Hub) Subscribe(guildID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if _, ok := h.subs[guildID]; !ok {
		h.subs[guildID] = make(map[chan Event]struct{})
	}
	h.subs[guildID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set, ok := h.subs[guildID]
			if !ok {
				// Hub already closed the channel.
				return
			}
			if _, member := set[ch]; !member {
				return
			}
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, guildID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to guild subscribers and wildcard subscribers.
// An event without a guild reaches only the wildcard set, and only once.
func (h *Hub) Publish(_ context.Context, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	sets := []map[chan Event]struct{}{h.subs[event.GuildID]}
	if event.GuildID != "" {
		sets = append(sets, h.subs[""])
	}
	for _, set := range sets {
		for ch := range set {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close drops all subscriptions. Further publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}
	h.subs = make(map[string]map[chan Event]struct{})
}
