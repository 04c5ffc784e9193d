package wall

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay routes drawing events to session members. Because it runs on the
// event loop, events from one connection reach other members in the order the
// relay received them; there is no ordering across connections beyond arrival
// order.
type Relay struct {
	reg *Registry
	bus Bus

	// optional, set via SetMetrics
	strokesRelayed prometheus.Counter
}

func NewRelay(reg *Registry, bus Bus) *Relay {
	return &Relay{reg: reg, bus: bus}
}

func (r *Relay) SetMetrics(strokesRelayed prometheus.Counter) {
	r.strokesRelayed = strokesRelayed
}

// OnDraw appends the stroke to the session history and relays it verbatim to
// every other member. The sender already rendered locally so it doesn't get
// its own stroke back. Events from connections that aren't members are
// dropped silently: a burst of late draws after a disconnect is expected, not
// a fault.
func (r *Relay) OnDraw(code, connID string, stroke json.RawMessage) bool {
	s := r.reg.Get(code)
	if s == nil || !s.IsMember(connID) {
		logger.Debug().Str("wall", code).Str("conn", connID).Msg("dropping draw from non-member")
		return false
	}
	s.AppendStroke(stroke)
	if r.strokesRelayed != nil {
		r.strokesRelayed.Inc()
	}
	r.bus.Broadcast(code, "draw", stroke, connID)
	return true
}

// OnClear truncates the session history and notifies the whole room,
// including the sender, so every canvas resynchronizes to empty.
func (r *Relay) OnClear(code, connID string) bool {
	s := r.reg.Get(code)
	if s == nil || !s.IsMember(connID) {
		logger.Debug().Str("wall", code).Str("conn", connID).Msg("dropping clear from non-member")
		return false
	}
	s.ClearStrokes()
	r.bus.Broadcast(code, "clear", nil, "")
	return true
}
