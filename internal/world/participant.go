package world

import (
	"fmt"

	"github.com/atrium-world/atrium/internal/zone"
)

// Participant is a connected actor inside a Room. Identity fields are set at
// join time and never change; mutable state is guarded by the owning Room's
// lock and must only be touched from Room methods.
type Participant struct {
	// ID is the ephemeral, room-scoped numeric identifier.
	ID uint32
	// UUID is the stable external identity. Several simultaneous sessions
	// may share one UUID ("brothers").
	UUID string
	// Name is the display name.
	Name string
	// IPAddress is the client address as reported at join time.
	IPAddress string
	// LoggedIn reports whether the external identity is authenticated.
	LoggedIn bool
	// Tags carries moderation tags resolved at join time.
	Tags []string

	characterLayers []string
	visitCardURL    string
	companion       string
	status          string

	pos    Position
	silent bool

	// groupID is the id of the group this participant belongs to, or 0.
	// Groups are held in the Room's group table; participants hold only
	// the id so destruction bookkeeping stays in one place.
	groupID uint32

	// leaderID is the participant this one explicitly follows, or 0.
	leaderID uint32
	// followerIDs are the participants explicitly following this one.
	followerIDs map[uint32]struct{}

	transport Transport
	watcher   *participantWatcher
}

// ZoneKey implements zone.Movable.
func (p *Participant) ZoneKey() string {
	return fmt.Sprintf("user-%d", p.ID)
}

// ZonePoint implements zone.Movable.
func (p *Participant) ZonePoint() zone.Point {
	return p.pos.Point()
}

// Position returns the participant's current position.
func (p *Participant) Position() Position { return p.pos }

// Silent reports whether the participant opted out of grouping.
func (p *Participant) Silent() bool { return p.silent }

// GroupID returns the id of the participant's group, or 0 when ungrouped.
func (p *Participant) GroupID() uint32 { return p.groupID }

// LeaderID returns the id of the followed participant, or 0.
func (p *Participant) LeaderID() uint32 { return p.leaderID }

// HasFollowers reports whether anyone explicitly follows this participant.
func (p *Participant) HasFollowers() bool { return len(p.followerIDs) > 0 }

// State returns the wire-visible snapshot of the participant.
func (p *Participant) State() ParticipantState {
	return ParticipantState{
		ID:              p.ID,
		UUID:            p.UUID,
		Name:            p.Name,
		Position:        p.pos,
		CharacterLayers: p.characterLayers,
		VisitCardURL:    p.visitCardURL,
		Companion:       p.companion,
		Status:          p.status,
	}
}

func (p *Participant) send(events ...Event) {
	if p.transport == nil {
		return
	}
	// Delivery failures mean the session is going away; the teardown path
	// removes the participant, so drops are fine here.
	_ = p.transport.SendBatch(events)
}

// DetailsUpdate is a partial update of mutable participant details. Nil
// pointer fields are left unchanged.
type DetailsUpdate struct {
	Name            *string
	Silent          *bool
	Status          *string
	CharacterLayers []string
}
