package wall

import (
	"sync"
	"testing"
	"time"
)

// recordingBus captures every Bus call so tests can assert on delivery.
// Thread-safe because save acks and catalog replies arrive from worker
// goroutines.
type busCall struct {
	Kind    string // join, leave, broadcast, reply, push
	Code    string
	Conn    string
	Event   string
	ReqID   uint64
	Payload interface{}
	Exclude string
}

type recordingBus struct {
	mu    sync.Mutex
	calls []busCall
}

func (b *recordingBus) add(c busCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *recordingBus) JoinRoom(code, connID string) {
	b.add(busCall{Kind: "join", Code: code, Conn: connID})
}

func (b *recordingBus) LeaveRoom(code, connID string) {
	b.add(busCall{Kind: "leave", Code: code, Conn: connID})
}

func (b *recordingBus) Broadcast(code, event string, payload interface{}, excludeConn string) {
	b.add(busCall{Kind: "broadcast", Code: code, Event: event, Payload: payload, Exclude: excludeConn})
}

func (b *recordingBus) Reply(connID string, reqID uint64, payload interface{}) {
	b.add(busCall{Kind: "reply", Conn: connID, ReqID: reqID, Payload: payload})
}

func (b *recordingBus) Push(connID, event string, payload interface{}) {
	b.add(busCall{Kind: "push", Conn: connID, Event: event, Payload: payload})
}

func (b *recordingBus) byKind(kind string) []busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busCall
	for _, c := range b.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (b *recordingBus) broadcasts(event string) []busCall {
	var out []busCall
	for _, c := range b.byKind("broadcast") {
		if c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

// waitFor polls until the predicate over recorded calls passes, for replies
// that arrive from worker goroutines.
func (b *recordingBus) waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
