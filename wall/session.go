package wall

import (
	"encoding/json"
	"time"

	"github.com/wallsync/wallsync/internal"
)

// User is a wall member, keyed by its connection ID.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session is one live wall. It is exclusively owned by the Registry and must
// only be touched from the event loop goroutine; the stroke history is
// unbounded by design so that newly joined users can replay everything.
type Session struct {
	Code      string
	CreatedAt time.Time

	users map[string]User
	// join order, so persistence caps keep the first-encountered users
	order   []string
	strokes *internal.StrokeLog

	// when the session last became empty; zero while it has members. Empty
	// sessions are evicted after a grace period, not immediately, so a fast
	// rejoin (e.g a page reload) doesn't lose the wall.
	emptySince time.Time
}

func newSession(code string, now time.Time) *Session {
	return &Session{
		Code:      code,
		CreatedAt: now,
		users:     make(map[string]User),
		strokes:   internal.NewStrokeLog(0),
	}
}

// Join adds or refreshes the member entry for this connection. Re-joining with
// the same connection ID overwrites the entry and refreshes JoinedAt.
func (s *Session) Join(connID, username string, now time.Time) User {
	if _, exists := s.users[connID]; !exists {
		s.order = append(s.order, connID)
	}
	u := User{ID: connID, Username: username, JoinedAt: now}
	s.users[connID] = u
	s.emptySince = time.Time{}
	return u
}

// Leave removes the member entry for this connection, reporting whether it was
// present. The eviction clock starts when the last member leaves.
func (s *Session) Leave(connID string, now time.Time) (User, bool) {
	u, ok := s.users[connID]
	if !ok {
		return User{}, false
	}
	delete(s.users, connID)
	for i, id := range s.order {
		if id == connID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if len(s.users) == 0 {
		s.emptySince = now
	}
	return u, true
}

func (s *Session) IsMember(connID string) bool {
	_, ok := s.users[connID]
	return ok
}

func (s *Session) MemberCount() int {
	return len(s.users)
}

// Users returns the members in join order.
func (s *Session) Users() []User {
	out := make([]User, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.users[id])
	}
	return out
}

func (s *Session) AppendStroke(stroke json.RawMessage) {
	s.strokes.Append(stroke)
}

func (s *Session) ClearStrokes() {
	s.strokes.Clear()
}

func (s *Session) StrokeCount() int {
	return s.strokes.Len()
}

// Strokes returns a stable view of the stroke history, oldest first. The view
// survives later appends and clears, which is what lets a snapshot write read
// it without blocking the session.
func (s *Session) Strokes() []json.RawMessage {
	return s.strokes.Snapshot()
}
