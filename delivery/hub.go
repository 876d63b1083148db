package delivery

import (
	"sync"

	"ephemera/models"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 64

// Hub fans status events out to the subscribers of each sender device.
// Publishing never blocks: a subscriber whose buffer is full misses the event and
// can re-read status through pagination.
type Hub struct {
	buffer int

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan models.StatusEvent
	closed bool
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[uint64]chan models.StatusEvent),
	}
}

// Subscribe registers a listener for deviceID. The returned cancel func closes the channel.
func (h *Hub) Subscribe(deviceID string) (<-chan models.StatusEvent, func()) {
	ch := make(chan models.StatusEvent, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[deviceID] == nil {
		h.subs[deviceID] = make(map[uint64]chan models.StatusEvent)
	}
	h.subs[deviceID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[deviceID][id]; ok {
				delete(h.subs[deviceID], id)
				if len(h.subs[deviceID]) == 0 {
					delete(h.subs, deviceID)
				}
				close(sub)
			}
		})
	}
}

// Publish sends event to every subscriber of deviceID and returns how many received it.
func (h *Hub) Publish(deviceID string, event models.StatusEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, ch := range h.subs[deviceID] {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of listeners for deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deviceID])
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for deviceID, subs := range h.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subs, deviceID)
	}
}
