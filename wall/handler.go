package wall

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/wallsync/wallsync/internal"
	"github.com/wallsync/wallsync/persist"
)

// how often the handler checks for evictable empty sessions
const sweepInterval = time.Minute

// Handler consumes transport events and drives the engine. One goroutine
// (Run) owns all session state; transport goroutines only enqueue. The only
// work that leaves the loop is durable-storage I/O, which operates on
// immutable views captured while still on the loop.
type Handler struct {
	reg      *Registry
	presence *Presence
	relay    *Relay
	store    *persist.Store
	bus      Bus

	// which wall each connection is currently in
	connWall map[string]string

	events chan Event
}

func NewHandler(reg *Registry, store *persist.Store, bus Bus) *Handler {
	return &Handler{
		reg:      reg,
		presence: NewPresence(bus),
		relay:    NewRelay(reg, bus),
		store:    store,
		bus:      bus,
		connWall: make(map[string]string),
		events:   make(chan Event, 256),
	}
}

func (h *Handler) Relay() *Relay { return h.relay }

// Submit enqueues an event for the loop. Safe to call from any goroutine.
func (h *Handler) Submit(ev Event) {
	h.events <- ev
}

// Run processes events until the context is cancelled. Call it once, on its
// own goroutine.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ctx, ev)
		case now := <-ticker.C:
			if evicted := h.reg.SweepExpired(now); len(evicted) > 0 {
				logger.Info().Strs("evicted", evicted).Strs("live", h.reg.Codes()).Msg("swept empty walls")
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			logger.Error().Str("event", ev.Name).Msg(string(debug.Stack()))
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
			if ev.ReqID != 0 {
				h.bus.Reply(ev.Conn, ev.ReqID, errorReply{Error: "Server error"})
			}
		}
	}()
	ctx, task := internal.StartTask(ctx, "Event."+ev.Name)
	defer task.End()

	switch ev.Name {
	case "create-room":
		h.onCreateRoom(ev)
	case "join-room":
		h.onJoinRoom(ev)
	case "leave-room", "disconnect":
		h.leaveCurrent(ev.Conn)
	case "draw":
		h.onDraw(ev)
	case "clear":
		h.onClear(ev)
	case "save":
		h.onSave(ctx, ev)
	case "list-saved":
		h.onListSaved(ctx, ev)
	case "get-saved":
		h.onGetSaved(ctx, ev)
	case "request-load":
		h.onRequestLoad(ctx, ev)
	default:
		logger.Info().Str("event", ev.Name).Str("conn", ev.Conn).Msg("unknown event dropped")
	}
}

type errorReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type createReply struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
}

type joinReply struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	// the existing history, always present (possibly []) so the joiner can
	// replay the canvas unconditionally
	Strokes []json.RawMessage `json:"strokes"`
}

func (h *Handler) onCreateRoom(ev Event) {
	var req struct {
		Username string `json:"username"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &req)
	}
	h.leaveCurrent(ev.Conn)

	s, err := h.reg.Create()
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		h.bus.Reply(ev.Conn, ev.ReqID, errorReply{Error: "Server error creating wall"})
		return
	}
	_, u := h.reg.Join(s.Code, ev.Conn, req.Username)
	h.connWall[ev.Conn] = s.Code
	h.bus.JoinRoom(s.Code, ev.Conn)

	h.bus.Reply(ev.Conn, ev.ReqID, createReply{Success: true, Code: s.Code})
	h.presence.UserJoined(s, u)
}

func (h *Handler) onJoinRoom(ev Event) {
	var req struct {
		Code     string `json:"code"`
		Username string `json:"username"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &req)
	}
	code := NormalizeCode(req.Code)
	s := h.reg.Get(code)
	if s == nil {
		h.bus.Reply(ev.Conn, ev.ReqID, errorReply{Error: "Wall not found"})
		return
	}
	if current := h.connWall[ev.Conn]; current != "" && current != code {
		h.leaveCurrent(ev.Conn)
	}
	_, u := h.reg.Join(code, ev.Conn, req.Username)
	h.connWall[ev.Conn] = code
	h.bus.JoinRoom(code, ev.Conn)

	strokes := s.Strokes()
	if strokes == nil {
		strokes = []json.RawMessage{}
	}
	h.bus.Reply(ev.Conn, ev.ReqID, joinReply{Success: true, Code: code, Strokes: strokes})
	h.presence.UserJoined(s, u)
}

func (h *Handler) leaveCurrent(connID string) {
	code := h.connWall[connID]
	if code == "" {
		return
	}
	delete(h.connWall, connID)
	h.bus.LeaveRoom(code, connID)
	s, u, ok := h.reg.Leave(code, connID)
	if !ok || s == nil {
		return
	}
	h.presence.UserLeft(s, u)
}

func (h *Handler) onDraw(ev Event) {
	code := h.connWall[ev.Conn]
	if code == "" {
		logger.Debug().Str("conn", ev.Conn).Msg("draw from connection not in any wall")
		return
	}
	h.relay.OnDraw(code, ev.Conn, ev.Payload)
}

func (h *Handler) onClear(ev Event) {
	code := h.connWall[ev.Conn]
	if code == "" {
		logger.Debug().Str("conn", ev.Conn).Msg("clear from connection not in any wall")
		return
	}
	h.relay.OnClear(code, ev.Conn)
}

type saveReply struct {
	Success    bool   `json:"success"`
	SnapshotID string `json:"snapshotId"`
}

type wallSavedNotice struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"savedAt"`
}

func (h *Handler) onSave(ctx context.Context, ev Event) {
	code := h.connWall[ev.Conn]
	if code == "" {
		h.bus.Reply(ev.Conn, ev.ReqID, errorReply{Error: "No active wall"})
		return
	}
	s := h.reg.Get(code)
	if s == nil {
		h.bus.Reply(ev.Conn, ev.ReqID, errorReply{Error: "Wall not found"})
		return
	}
	var req struct {
		Thumbnail string `json:"thumbnail"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &req)
	}

	// capture the immutable view while still on the loop; the write itself
	// happens on the worker pool and must not touch live session state. No
	// mid-save cancellation: a save either completes and is cataloged or
	// fails and leaves no artifact.
	view := persist.SessionView{
		Code:      s.Code,
		Users:     userRecords(s.Users()),
		Strokes:   s.Strokes(),
		Thumbnail: stripDataURL(req.Thumbnail),
	}
	conn, reqID := ev.Conn, ev.ReqID
	h.store.SaveAsync(context.Background(), view, func(res persist.SaveResult, err error) {
		if err != nil {
			h.bus.Reply(conn, reqID, errorReply{Error: "Failed to save wall"})
			return
		}
		h.bus.Reply(conn, reqID, saveReply{Success: true, SnapshotID: res.ID})
		h.bus.Broadcast(res.Code, "wall-saved", wallSavedNotice{ID: res.ID, SavedAt: res.SavedAt}, "")
	})
}

type listReply struct {
	Success   bool           `json:"success"`
	Snapshots []persist.Meta `json:"snapshots"`
}

func (h *Handler) onListSaved(ctx context.Context, ev Event) {
	conn, reqID := ev.Conn, ev.ReqID
	go func() {
		metas := h.store.List(ctx)
		h.bus.Reply(conn, reqID, listReply{Success: true, Snapshots: metas})
	}()
}

type getSavedReply struct {
	Success  bool        `json:"success"`
	Snapshot interface{} `json:"snapshot"`
}

func (h *Handler) onGetSaved(ctx context.Context, ev Event) {
	var req struct {
		ID string `json:"id"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &req)
	}
	conn, reqID := ev.Conn, ev.ReqID
	go func() {
		snap, meta, err := h.store.Get(ctx, req.ID, false)
		if errors.Is(err, persist.ErrNotFound) {
			h.bus.Reply(conn, reqID, errorReply{Error: "Wall not found"})
			return
		} else if err != nil {
			h.bus.Reply(conn, reqID, errorReply{Error: "Server error"})
			return
		}
		if meta != nil {
			h.bus.Reply(conn, reqID, getSavedReply{Success: true, Snapshot: meta})
			return
		}
		h.bus.Reply(conn, reqID, getSavedReply{Success: true, Snapshot: snap})
	}()
}

type loadAck struct {
	Success bool `json:"success"`
}

type loadData struct {
	Success bool              `json:"success"`
	Wall    *persist.Snapshot `json:"wall"`
	// a freshly loaded wall starts with just the loader looking at it
	UserCount int `json:"userCount"`
}

// onRequestLoad acks the request, then pushes the full snapshot to the
// requesting connection only as a separate load-wall-data event.
func (h *Handler) onRequestLoad(ctx context.Context, ev Event) {
	var req struct {
		ID string `json:"id"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &req)
	}
	conn, reqID := ev.Conn, ev.ReqID
	go func() {
		snap, meta, err := h.store.Get(ctx, req.ID, true)
		if errors.Is(err, persist.ErrNotFound) {
			h.bus.Reply(conn, reqID, errorReply{Error: "Wall not found"})
			return
		} else if err != nil {
			h.bus.Reply(conn, reqID, errorReply{Error: "Server error loading wall"})
			return
		}
		if meta != nil {
			// too large or unparseable; the degraded record says which
			h.bus.Reply(conn, reqID, errorReply{Error: meta.Error})
			return
		}
		if snap.Strokes == nil {
			snap.Strokes = []persist.Stroke{}
		}
		h.bus.Reply(conn, reqID, loadAck{Success: true})
		h.bus.Push(conn, "load-wall-data", loadData{Success: true, Wall: snap, UserCount: 1})
	}()
}

func userRecords(users []User) []persist.UserRecord {
	out := make([]persist.UserRecord, len(users))
	for i, u := range users {
		out[i] = persist.UserRecord{ID: u.ID, Username: u.Username, JoinedAt: u.JoinedAt}
	}
	return out
}

// stripDataURL removes a data:image/...;base64, prefix from a client-supplied
// thumbnail, leaving bare base64.
func stripDataURL(thumb string) string {
	if strings.HasPrefix(thumb, "data:image/") {
		if _, rest, ok := strings.Cut(thumb, ";base64,"); ok {
			return rest
		}
	}
	return thumb
}
