package world

import (
	"fmt"

	"github.com/atrium-world/atrium/internal/zone"
)

// Group is an ad-hoc proximity cluster of participants. Groups live in the
// Room's group table, indexed by id; participants reference them by id only.
// All mutation happens under the owning Room's lock.
//
// Invariant: a live group always has at least two members. A group reduced
// to one member is destroyed immediately.
type Group struct {
	// ID is the room-scoped numeric identifier, assigned on creation.
	ID uint32

	// memberIDs keeps insertion order; membership checks go through the
	// Room's participant table.
	memberIDs []uint32

	locked bool
	// outOfBounds flags a group whose members are drifting together faster
	// than they can be kept inside the group radius.
	outOfBounds bool

	centroid zone.Point
}

// ZoneKey implements zone.Movable.
func (g *Group) ZoneKey() string {
	return fmt.Sprintf("group-%d", g.ID)
}

// ZonePoint implements zone.Movable. A group's position is its centroid.
func (g *Group) ZonePoint() zone.Point {
	return g.centroid
}

// Size returns the member count.
func (g *Group) Size() int { return len(g.memberIDs) }

// Locked reports whether the group rejects new joins.
func (g *Group) Locked() bool { return g.locked }

// MemberIDs returns the member ids in insertion order. The returned slice
// must not be mutated.
func (g *Group) MemberIDs() []uint32 { return g.memberIDs }

// Full reports whether the group is at the given capacity bound.
func (g *Group) Full(capacity int) bool { return len(g.memberIDs) >= capacity }

func (g *Group) contains(id uint32) bool {
	for _, m := range g.memberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// removeMember drops id from the member list and reports whether it was
// present.
func (g *Group) removeMember(id uint32) bool {
	for i, m := range g.memberIDs {
		if m == id {
			g.memberIDs = append(g.memberIDs[:i], g.memberIDs[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the wire-visible snapshot of the group.
func (g *Group) State() GroupState {
	return GroupState{
		ID:     g.ID,
		X:      g.centroid.X,
		Y:      g.centroid.Y,
		Size:   len(g.memberIDs),
		Locked: g.locked,
	}
}
