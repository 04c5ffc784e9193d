package transport

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallsync/wallsync/wall"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// strokes carry point arrays so frames can be chunky, but anything this
	// big is abuse
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// wall codes are the only access control; anyone with the page can join
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn adapts one websocket client to the hub and the event loop. Inbound
// frames become wall.Events in arrival order; outbound frames are buffered on
// a channel drained by the write pump, so a slow client never blocks a
// broadcast.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	handler *wall.Handler
}

func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("transport: cannot read randomness: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// ServeWS upgrades HTTP requests to wall websocket connections.
func ServeWS(hub *Hub, handler *wall.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &Conn{
			id:      newConnID(),
			ws:      ws,
			send:    make(chan []byte, 256),
			hub:     hub,
			handler: handler,
		}
		hub.Register(c)
		go c.writePump()
		go c.readPump()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		// the engine sees the disconnect as an ordinary event so membership
		// bookkeeping stays on the loop
		c.handler.Submit(wall.Event{Conn: c.id, Name: "disconnect"})
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Str("conn", c.id).Err(err).Msg("read error")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logger.Debug().Str("conn", c.id).Msg("dropping malformed frame")
			continue
		}
		c.handler.Submit(wall.Event{
			Conn:    c.id,
			Name:    env.Event,
			ReqID:   env.ID,
			Payload: env.Payload,
		})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
