package wall

// Presence layers membership-change notifications on top of the registry's
// users map: every join and leave is observable room-wide exactly once. The
// joiner's own confirmation travels on the direct reply to its request, not
// through the broadcast.
type Presence struct {
	bus Bus
}

func NewPresence(bus Bus) *Presence {
	return &Presence{bus: bus}
}

type memberChange struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	UserCount int    `json:"userCount"`
}

func (p *Presence) UserJoined(s *Session, u User) {
	p.bus.Broadcast(s.Code, "user-joined", memberChange{
		UserID:    u.ID,
		Username:  u.Username,
		UserCount: s.MemberCount(),
	}, "")
}

func (p *Presence) UserLeft(s *Session, u User) {
	p.bus.Broadcast(s.Code, "user-left", memberChange{
		UserID:    u.ID,
		Username:  u.Username,
		UserCount: s.MemberCount(),
	}, "")
}
