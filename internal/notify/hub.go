package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dlhub/internal/model"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// Event is the wire shape pushed to websocket subscribers.
type Event struct {
	Event  string        `json:"event"`
	Key    string        `json:"key,omitempty"`
	Record *model.Record `json:"record,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub broadcasts lifecycle events to websocket subscribers. Each connection
// gets a buffered channel drained by its own writer goroutine, so broadcasting
// never blocks the caller; a subscriber that stops reading fills its buffer
// and is dropped.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]*subscriber
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[*websocket.Conn]*subscriber),
	}
}

func (h *Hub) Subscribe(conn *websocket.Conn) {
	sub := &subscriber{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.subs[conn] = sub
	h.mu.Unlock()
	go h.writeLoop(sub)
}

func (h *Hub) Unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	sub, found := h.subs[conn]
	if found {
		delete(h.subs, conn)
		close(sub.send)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// writeLoop drains one subscriber's channel onto its connection. A write
// failure removes the subscriber; the loop then runs out the remaining
// buffered events and closes the connection.
func (h *Hub) writeLoop(sub *subscriber) {
	for ev := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			h.logger.Debug("dropping websocket subscriber", "error", err)
			h.drop(sub)
		}
	}
	_ = sub.conn.Close()
}

// drop removes a subscriber and closes its channel exactly once. Sends and
// closes both happen under mu, so a closed channel is never sent to.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.subs[sub.conn]; !found {
		return
	}
	delete(h.subs, sub.conn)
	close(sub.send)
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			h.logger.Debug("dropping slow websocket subscriber")
			delete(h.subs, conn)
			close(sub.send)
		}
	}
}

func (h *Hub) Added(rec *model.Record) {
	h.broadcast(Event{Event: "added", Key: rec.StorageKey, Record: rec})
}

func (h *Hub) Updated(rec *model.Record) {
	h.broadcast(Event{Event: "updated", Key: rec.StorageKey, Record: rec})
}

func (h *Hub) Completed(rec *model.Record) {
	h.broadcast(Event{Event: "completed", Key: rec.StorageKey, Record: rec})
}

func (h *Hub) Canceled(storageKey string) {
	h.broadcast(Event{Event: "canceled", Key: storageKey})
}

func (h *Hub) Cleared(storageKey string) {
	h.broadcast(Event{Event: "cleared", Key: storageKey})
}

func (h *Hub) Renamed(rec *model.Record) {
	h.broadcast(Event{Event: "renamed", Key: rec.StorageKey, Record: rec})
}
