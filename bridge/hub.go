package bridge

import "sync"

// Hub fans the latest snapshot out to subscribers. Every subscriber channel
// has capacity one; when a subscriber falls behind, the stale snapshot is
// dropped and replaced with the newest, so Publish never blocks the poll
// loop and a slow consumer only ever loses intermediate states.
type Hub struct {
	mu   sync.Mutex
	subs map[chan *Snapshot]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan *Snapshot]struct{})}
}

// Subscribe registers a new subscriber and returns its channel. The caller
// must call Unsubscribe when done.
func (h *Hub) Subscribe() chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber. The channel is closed; a pending
// snapshot may still be readable before the close is observed.
func (h *Hub) Unsubscribe(ch chan *Snapshot) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers s to every subscriber, replacing any undelivered older
// snapshot. It never blocks.
func (h *Hub) Publish(s *Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- s:
		default:
			// Full: drop the stale snapshot, then retry once. If a reader
			// raced us and the channel is full again, it just took the
			// stale one and will get s on the next publish.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
