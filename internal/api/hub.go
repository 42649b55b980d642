package api

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/cmm/internal/lobby"
)

// Hub fans lobby events out to registered subscribers. Each subscriber has a
// bounded queue; when it is full the oldest event is dropped.
type Hub struct {
	subs   map[string]*subscriber
	buffer int
	mu     sync.Mutex
}

type subscriber struct {
	events  chan lobby.Event
	closed  chan struct{}
	dropped int
}

// NewHub creates a hub whose subscribers queue up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[string]*subscriber), buffer: buffer}
}

// Notify queues ev for every subscriber without blocking.
func (h *Hub) Notify(ev lobby.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for handle, s := range h.subs {
		select {
		case s.events <- ev:
			continue
		default:
		}
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			log.Printf("api: subscriber %s is slow, %d events dropped", handle, s.dropped)
		}
	}
}

// Register adds a subscriber and returns its handle.
func (h *Hub) Register() string {
	handle := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[handle] = &subscriber{
		events: make(chan lobby.Event, h.buffer),
		closed: make(chan struct{}),
	}
	return handle
}

// Unregister removes a subscriber. Pending Next calls return ErrUnknownHandle.
func (h *Hub) Unregister(handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[handle]
	if !ok {
		return ErrUnknownHandle
	}
	delete(h.subs, handle)
	close(s.closed)
	return nil
}

// Next waits for the next event of a subscriber.
func (h *Hub) Next(ctx context.Context, handle string) (lobby.Event, error) {
	h.mu.Lock()
	s, ok := h.subs[handle]
	h.mu.Unlock()
	if !ok {
		return lobby.Event{}, ErrUnknownHandle
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return lobby.Event{}, ErrUnknownHandle
	case <-ctx.Done():
		return lobby.Event{}, ErrTimeout
	}
}
