package wall

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wallsync/wallsync/internal"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// DefaultGracePeriod is how long an empty session survives before
	// eviction.
	DefaultGracePeriod = time.Hour

	// the code space is 36^6 so running out of attempts means something is
	// badly wrong, e.g the RNG is wedged
	maxCodeAttempts = 100
)

// Registry owns the map of live sessions. It is not safe for concurrent use:
// all mutations run as discrete steps on the event loop goroutine, which is
// the correctness mechanism for the whole engine (no two mutations of the
// same session ever interleave mid-step).
type Registry struct {
	sessions map[string]*Session
	grace    time.Duration

	// swappable for collision injection in tests
	genCode func() string

	// optional, set via SetMetrics
	numSessions prometheus.Gauge
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		grace:    grace,
	}
	r.genCode = randomCode
	return r
}

func (r *Registry) SetMetrics(numSessions prometheus.Gauge) {
	r.numSessions = numSessions
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

// NormalizeCode maps user-supplied codes onto registry keys: trimmed and
// uppercased. Lookups are exact-match after that.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create generates a fresh code not present among live sessions and registers
// an empty session under it. Collisions trigger regeneration; exhausting the
// attempt budget is an internal fault and fails the operation.
func (r *Registry) Create() (*Session, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := r.genCode()
		internal.Assert("generated wall code is normalized", code == NormalizeCode(code))
		if _, taken := r.sessions[code]; taken {
			continue
		}
		s := newSession(code, time.Now())
		r.sessions[code] = s
		r.updateGauge()
		logger.Info().Str("wall", code).Msg("wall created")
		return s, nil
	}
	return nil, fmt.Errorf("Create: no unique wall code after %d attempts", maxCodeAttempts)
}

// Get returns the live session for this code, or nil.
func (r *Registry) Get(code string) *Session {
	return r.sessions[NormalizeCode(code)]
}

// Join adds the connection to the session's membership. Returns nil if the
// code doesn't map to a live session.
func (r *Registry) Join(code, connID, username string) (*Session, User) {
	s := r.Get(code)
	if s == nil {
		return nil, User{}
	}
	u := s.Join(connID, username, time.Now())
	return s, u
}

// Leave removes the connection from the session's membership. If that leaves
// the session empty it becomes eligible for eviction after the grace period.
func (r *Registry) Leave(code, connID string) (*Session, User, bool) {
	s := r.Get(code)
	if s == nil {
		return nil, User{}, false
	}
	u, ok := s.Leave(connID, time.Now())
	return s, u, ok
}

// SweepExpired deletes sessions that have been empty for at least the grace
// period as of now, and returns their codes. Membership is re-checked at
// deletion time: a rejoin during the grace window clears the empty stamp, so
// the double check guards against evicting a revived session. Eviction is a
// pure function of now, so tests can drive it with synthetic clocks.
func (r *Registry) SweepExpired(now time.Time) []string {
	var evicted []string
	for code, s := range r.sessions {
		if s.emptySince.IsZero() || now.Sub(s.emptySince) < r.grace {
			continue
		}
		if s.MemberCount() != 0 {
			continue
		}
		delete(r.sessions, code)
		evicted = append(evicted, code)
		logger.Info().Str("wall", code).Msg("empty wall evicted")
	}
	r.updateGauge()
	return evicted
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// Codes returns the live wall codes, in no particular order.
func (r *Registry) Codes() []string {
	return internal.Keys(r.sessions)
}

func (r *Registry) updateGauge() {
	if r.numSessions != nil {
		r.numSessions.Set(float64(len(r.sessions)))
	}
}
