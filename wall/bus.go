// Package wall implements the live drawing wall engine: session registry,
// membership tracking, ordered relay of drawing events, and the event handler
// gluing them to a transport and to the snapshot store.
package wall

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Bus is the send side of the transport layer. Implementations must be safe
// for concurrent use: replies to saves and catalog reads are sent from worker
// goroutines, not from the event loop.
type Bus interface {
	// JoinRoom subscribes the connection to the wall's broadcasts, mirroring
	// the membership decision made by the handler.
	JoinRoom(code, connID string)
	// LeaveRoom undoes JoinRoom.
	LeaveRoom(code, connID string)
	// Broadcast sends an event to every member of the wall, except
	// excludeConn if non-empty.
	Broadcast(code, event string, payload interface{}, excludeConn string)
	// Reply answers the request reqID on the given connection.
	Reply(connID string, reqID uint64, payload interface{})
	// Push sends a standalone event to one connection.
	Push(connID, event string, payload interface{})
}

// Event is one inbound transport event. Events are delivered to the handler
// in arrival order per connection.
type Event struct {
	// Conn identifies the sending connection.
	Conn string
	// Name is the event name, e.g "draw".
	Name string
	// ReqID is the client's request identifier for request/ack events, 0 for
	// fire-and-forget events.
	ReqID uint64
	// Payload is the raw event payload, which may be nil.
	Payload json.RawMessage
}
