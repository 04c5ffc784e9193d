// Package transport carries wall events between websocket clients and the
// engine. The Hub implements wall.Bus: room-scoped fanout, request replies
// and direct pushes, all framed as JSON envelopes.
package transport

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Connection is a registered client the hub can send frames to.
type Connection interface {
	ID() string
	Send(data []byte) error
}

// Envelope is the wire frame for every event in both directions. Replies to a
// request echo its ID with the event name "ack".
type Envelope struct {
	Event   string          `json:"event"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub tracks connections and their room subscriptions. Unlike the engine it
// is fully concurrent: sends arrive from the event loop, from save worker
// goroutines and from catalog read goroutines.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Connection
	rooms    map[string]map[string]Connection
	connRoom map[string]string
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]Connection),
		rooms:    make(map[string]map[string]Connection),
		connRoom: make(map[string]string),
	}
}

func (h *Hub) Register(conn Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	logger.Info().Str("conn", conn.ID()).Msg("client connected")
}

func (h *Hub) Unregister(conn Connection) {
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.leaveLocked(conn.ID())
	h.mu.Unlock()
	logger.Info().Str("conn", conn.ID()).Msg("client disconnected")
}

// JoinRoom implements wall.Bus. A connection is in at most one room.
func (h *Hub) JoinRoom(code, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := h.conns[connID]
	if conn == nil {
		return
	}
	h.leaveLocked(connID)
	r := h.rooms[code]
	if r == nil {
		r = make(map[string]Connection)
		h.rooms[code] = r
	}
	r[connID] = conn
	h.connRoom[connID] = code
}

// LeaveRoom implements wall.Bus.
func (h *Hub) LeaveRoom(code, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connRoom[connID] == code {
		h.leaveLocked(connID)
	}
}

func (h *Hub) leaveLocked(connID string) {
	code := h.connRoom[connID]
	if code == "" {
		return
	}
	delete(h.connRoom, connID)
	if r := h.rooms[code]; r != nil {
		delete(r, connID)
		if len(r) == 0 {
			delete(h.rooms, code)
		}
	}
}

// Broadcast implements wall.Bus.
func (h *Hub) Broadcast(code, event string, payload interface{}, excludeConn string) {
	data, ok := h.frame(event, 0, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	room := h.rooms[code]
	targets := make([]Connection, 0, len(room))
	for id, conn := range room {
		if id == excludeConn {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			logger.Debug().Str("conn", conn.ID()).Str("event", event).Err(err).Msg("dropping broadcast to slow client")
		}
	}
}

// Reply implements wall.Bus.
func (h *Hub) Reply(connID string, reqID uint64, payload interface{}) {
	data, ok := h.frame("ack", reqID, payload)
	if !ok {
		return
	}
	h.send(connID, data, "ack")
}

// Push implements wall.Bus.
func (h *Hub) Push(connID, event string, payload interface{}) {
	data, ok := h.frame(event, 0, payload)
	if !ok {
		return
	}
	h.send(connID, data, event)
}

func (h *Hub) send(connID string, data []byte, event string) {
	h.mu.RLock()
	conn := h.conns[connID]
	h.mu.RUnlock()
	if conn == nil {
		logger.Debug().Str("conn", connID).Str("event", event).Msg("send to unknown connection dropped")
		return
	}
	if err := conn.Send(data); err != nil {
		logger.Debug().Str("conn", connID).Str("event", event).Err(err).Msg("send failed")
	}
}

func (h *Hub) frame(event string, id uint64, payload interface{}) ([]byte, bool) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logger.Err(err).Str("event", event).Msg("unmarshalable payload")
			return nil, false
		}
		raw = b
	}
	data, err := json.Marshal(Envelope{Event: event, ID: id, Payload: raw})
	if err != nil {
		logger.Err(err).Str("event", event).Msg("failed to frame envelope")
		return nil, false
	}
	return data, true
}

// Stats reports the current number of rooms and connections.
func (h *Hub) Stats() (rooms, conns int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.conns)
}
