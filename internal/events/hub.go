package events

import (
	"sync"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

const (
	TypeDeviceUpdated = "device.updated"
	TypeRunStarted    = "run.started"
	TypeRunFinished   = "run.finished"
)

// Event is one fleet change published to subscribers.
type Event struct {
	Type    string        `json:"type"`
	Address string        `json:"address,omitempty"`
	Record  *fleet.Record `json:"record,omitempty"`
	RunID   string        `json:"run_id,omitempty"`
	Summary any           `json:"summary,omitempty"`
	At      time.Time     `json:"at"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
