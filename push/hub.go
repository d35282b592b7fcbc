// Package push fans room events out to browser subscribers over SSE and WebSocket.
package push

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onnwee/tvyt/backend/telemetry"
)

// EventChat is the only event kept in a room's recent window.
const EventChat = "chat"

const minBuffer = 64

// Event is one message pushed to subscribers. Data is marshalled once per Publish.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Publisher emits to every subscriber of one room.
type Publisher interface {
	Publish(roomID, event string, payload any)
}

// Subscription is one connection joined to a room.
type Subscription struct {
	ConnID string
	RoomID string
	ch     chan Event
}

// Events yields the room's events. It is closed by Hub.Leave.
func (s *Subscription) Events() <-chan Event { return s.ch }

type room struct {
	subs   map[string]*Subscription
	recent []Event
}

// Hub tracks which connections are joined to which room.
type Hub struct {
	historySize int
	bufSize     int

	mu      sync.Mutex
	rooms   map[string]*room
	conns   map[string]*Subscription
	onEmpty []func(roomID string)
}

// NewHub keeps the last historySize chat events of each room for late joiners.
func NewHub(historySize int) *Hub {
	if historySize < 0 {
		historySize = 0
	}
	buf := historySize * 2
	if buf < minBuffer {
		buf = minBuffer
	}
	return &Hub{
		historySize: historySize,
		bufSize:     buf,
		rooms:       make(map[string]*room),
		conns:       make(map[string]*Subscription),
	}
}

// OnRoomEmpty registers fn to run when the last subscriber of a room leaves.
func (h *Hub) OnRoomEmpty(fn func(roomID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = append(h.onEmpty, fn)
}

// Join subscribes connID to roomID and replays the room's recent chat.
// A connection is in at most one room; joining again moves it.
func (h *Hub) Join(connID, roomID string) *Subscription {
	h.Leave(connID)

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[string]*Subscription)}
		h.rooms[roomID] = r
	}
	sub := &Subscription{ConnID: connID, RoomID: roomID, ch: make(chan Event, h.bufSize)}
	for _, ev := range r.recent {
		sub.ch <- ev
	}
	r.subs[connID] = sub
	h.conns[connID] = sub
	telemetry.AddSubscribers(1)
	slog.Debug("subscriber joined", slog.String("component", "push"), slog.String("room", roomID), slog.String("conn", connID), slog.Int("replayed", len(r.recent)))
	return sub
}

// Leave unsubscribes connID. It is a no-op for unknown connections.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	sub, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	close(sub.ch)
	telemetry.AddSubscribers(-1)

	var hooks []func(string)
	if r := h.rooms[sub.RoomID]; r != nil {
		delete(r.subs, connID)
		if len(r.subs) == 0 {
			delete(h.rooms, sub.RoomID)
			hooks = append(hooks, h.onEmpty...)
		}
	}
	h.mu.Unlock()

	slog.Debug("subscriber left", slog.String("component", "push"), slog.String("room", sub.RoomID), slog.String("conn", connID))
	for _, fn := range hooks {
		fn(sub.RoomID)
	}
}

// Publish sends event to every subscriber of roomID. Rooms with no
// subscribers drop the event. A subscriber whose buffer is full misses it.
func (h *Hub) Publish(roomID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal push payload", slog.String("component", "push"), slog.String("event", event), slog.Any("err", err))
		return
	}
	ev := Event{Name: event, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if event == EventChat && h.historySize > 0 {
		r.recent = append(r.recent, ev)
		if n := len(r.recent) - h.historySize; n > 0 {
			r.recent = append(r.recent[:0:0], r.recent[n:]...)
		}
	}
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			telemetry.RecordDropped()
			slog.Warn("subscriber buffer full; event dropped", slog.String("component", "push"), slog.String("room", roomID), slog.String("conn", sub.ConnID))
		}
	}
}

// Subscribers returns the number of connections joined to roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return len(r.subs)
	}
	return 0
}

// Rooms returns the number of rooms with at least one subscriber.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
