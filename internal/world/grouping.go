package world

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/zone"
)

// updateGroupMembership re-evaluates the mover's group state after a
// position or details change. Silent participants never group; an ungrouped
// participant only binds once it stops moving. Callers hold the room lock.
func (r *Room) updateGroupMembership(p *Participant) error {
	if p.silent {
		return nil
	}
	if p.groupID == 0 {
		if p.pos.Moving {
			return nil
		}
		return r.tryJoinNearby(p)
	}
	return r.refreshGroup(p)
}

// tryJoinNearby binds a stopped, ungrouped participant to the closest
// eligible candidate, peers and groups competing on raw distance. Each
// class keeps its own threshold: MinDistance for peers, GroupRadius for
// group centroids. Scans run in ascending id order with strict
// comparisons, so equal distances resolve to the lowest id, peers ahead
// of groups.
func (r *Room) tryJoinNearby(p *Participant) error {
	var (
		bestPeer  *Participant
		bestGroup *Group
		bestDist  float64
	)
	for _, id := range r.sortedParticipantIDs() {
		if id == p.ID {
			continue
		}
		cand := r.participants[id]
		if cand.silent || cand.groupID != 0 {
			continue
		}
		d := distance(p.pos.Point(), cand.pos.Point())
		if d >= r.cfg.MinDistance {
			continue
		}
		if bestPeer == nil || d < bestDist {
			bestPeer, bestDist = cand, d
		}
	}
	for _, id := range r.sortedGroupIDs() {
		g := r.groups[id]
		if g.locked || g.Full(r.cfg.MaxPerGroup) {
			continue
		}
		d := distance(p.pos.Point(), g.centroid)
		if d >= r.cfg.GroupRadius {
			continue
		}
		if (bestPeer == nil && bestGroup == nil) || d < bestDist {
			bestPeer, bestGroup, bestDist = nil, g, d
		}
	}

	switch {
	case bestGroup != nil:
		r.addToGroup(bestGroup, p)
		r.refreshCentroid(bestGroup)
	case bestPeer != nil:
		r.createGroup(p, bestPeer)
	}
	return nil
}

// refreshGroup handles a grouped mover. The group sheds members only when a
// head member (one following nobody inside the group) was pushed past the
// group radius and the mover itself ended up out of range: then the mover's
// follow chain decides the outcome. A troop covering the whole group drags
// the group along instead, a partial troop splits off (or, for a
// three-member group, ejects the odd member), and a lone mover leaves.
// Whatever the branch, the surviving group gets a fresh centroid and a
// merge scan for newly-reachable neighbors.
func (r *Room) refreshGroup(mover *Participant) error {
	g, ok := r.groups[mover.groupID]
	if !ok {
		return fmt.Errorf("group %d referenced by participant %d: %w", mover.groupID, mover.ID, ErrInconsistentState)
	}
	if g.Size() < 2 {
		return r.leaveGroup(mover)
	}
	centroid, err := r.previewCentroid(g)
	if err != nil {
		return err
	}

	moverOut := distance(mover.pos.Point(), centroid) > r.cfg.GroupRadius
	chain := r.followChain(mover, g)

	switch {
	case len(chain) == g.Size():
		// The whole group is one walking troop; it relocates instead of
		// shedding members.
		g.outOfBounds = r.anyBeyondRadius(chain, centroid)
	case r.headBeyondRadius(g, centroid) && moverOut:
		var err error
		switch {
		case g.Size() == 3 && len(chain) == 2:
			err = r.ejectOddMember(g, chain)
		case len(chain) > 1:
			err = r.splitChain(g, chain)
		default:
			err = r.leaveGroup(mover)
		}
		if err != nil {
			return err
		}
	default:
		g.outOfBounds = false
	}

	// splitChain can reclaim the id for the troop's new group, so the
	// pointer decides whether the original group survived.
	if cur, alive := r.groups[g.ID]; alive && cur == g {
		r.refreshCentroid(g)
		return r.mergeNearby(g)
	}
	return nil
}

// anyBeyondRadius reports whether any listed member sits beyond the group
// radius from the given centroid.
func (r *Room) anyBeyondRadius(ids []uint32, centroid zone.Point) bool {
	for _, id := range ids {
		if m, ok := r.participants[id]; ok && distance(m.pos.Point(), centroid) > r.cfg.GroupRadius {
			return true
		}
	}
	return false
}

// headBeyondRadius reports whether any head member of g (one with no leader
// inside the group) was pushed beyond the group radius.
func (r *Room) headBeyondRadius(g *Group, centroid zone.Point) bool {
	for _, id := range g.memberIDs {
		m, ok := r.participants[id]
		if !ok {
			continue
		}
		if m.leaderID != 0 {
			if l, found := r.participants[m.leaderID]; found && g.contains(l.ID) {
				continue
			}
		}
		if distance(m.pos.Point(), centroid) > r.cfg.GroupRadius {
			return true
		}
	}
	return false
}

// leaveGroup removes p from its group, clearing follow relations. A group
// left with a single member is destroyed.
func (r *Room) leaveGroup(p *Participant) error {
	g, ok := r.groups[p.groupID]
	if !ok {
		return fmt.Errorf("group %d referenced by participant %d: %w", p.groupID, p.ID, ErrInconsistentState)
	}
	if !g.contains(p.ID) {
		return fmt.Errorf("participant %d not a member of group %d: %w", p.ID, g.ID, ErrInconsistentState)
	}
	r.clearFollowRelation(p)
	g.removeMember(p.ID)
	p.groupID = 0
	if g.Size() <= 1 {
		r.destroyGroup(g)
	} else {
		r.refreshCentroid(g)
	}
	return nil
}

// followChain collects the mover's walking troop within its group: the
// ultimate leader plus every transitive follower, restricted to group
// members. A mover with no follow relations is a chain of one.
func (r *Room) followChain(mover *Participant, g *Group) []uint32 {
	head := mover
	for head.leaderID != 0 {
		leader, ok := r.participants[head.leaderID]
		if !ok || !g.contains(leader.ID) {
			break
		}
		head = leader
	}

	chain := make([]uint32, 0, g.Size())
	queue := []*Participant{head}
	seen := map[uint32]struct{}{head.ID: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		chain = append(chain, cur.ID)
		for fid := range cur.followerIDs {
			if _, dup := seen[fid]; dup {
				continue
			}
			f, ok := r.participants[fid]
			if !ok || !g.contains(fid) {
				continue
			}
			seen[fid] = struct{}{}
			queue = append(queue, f)
		}
	}
	return chain
}

// ejectOddMember removes the single member outside the troop. The two troop
// members keep the group and their follow relation.
func (r *Room) ejectOddMember(g *Group, chain []uint32) error {
	in := make(map[uint32]struct{}, len(chain))
	for _, id := range chain {
		in[id] = struct{}{}
	}
	for _, id := range g.memberIDs {
		if _, ok := in[id]; ok {
			continue
		}
		odd, found := r.participants[id]
		if !found {
			return fmt.Errorf("member %d of group %d: %w", id, g.ID, ErrInconsistentState)
		}
		return r.leaveGroup(odd)
	}
	return nil
}

// splitChain detaches the troop from its group and forms a new group from
// it, preserving follow relations. The remainder either survives with a
// refreshed centroid or is destroyed if only one member stays behind.
func (r *Room) splitChain(g *Group, chain []uint32) error {
	members := make([]*Participant, 0, len(chain))
	for _, id := range chain {
		m, ok := r.participants[id]
		if !ok {
			return fmt.Errorf("member %d of group %d: %w", id, g.ID, ErrInconsistentState)
		}
		g.removeMember(id)
		m.groupID = 0
		members = append(members, m)
	}
	if g.Size() <= 1 {
		r.destroyGroup(g)
	} else {
		r.refreshCentroid(g)
	}
	r.createGroup(members...)
	return nil
}

// mergeNearby absorbs eligible ungrouped participants, then neighboring
// groups, into g. Locked groups neither absorb nor get absorbed.
func (r *Room) mergeNearby(g *Group) error {
	if g.locked {
		return nil
	}
	for _, id := range r.sortedParticipantIDs() {
		if g.Full(r.cfg.MaxPerGroup) {
			break
		}
		cand := r.participants[id]
		if cand.silent || cand.groupID != 0 || cand.pos.Moving {
			continue
		}
		if distance(cand.pos.Point(), g.centroid) <= r.cfg.GroupRadius {
			r.addToGroup(g, cand)
		}
	}
	for _, id := range r.sortedGroupIDs() {
		if id == g.ID {
			continue
		}
		other := r.groups[id]
		if other.locked || g.Size()+other.Size() > r.cfg.MaxPerGroup {
			continue
		}
		if distance(g.centroid, other.centroid) > r.cfg.GroupRadius {
			continue
		}
		ids := append([]uint32(nil), other.MemberIDs()...)
		for _, mid := range ids {
			m, ok := r.participants[mid]
			if !ok {
				return fmt.Errorf("member %d of group %d: %w", mid, other.ID, ErrInconsistentState)
			}
			other.removeMember(mid)
			m.groupID = 0
			r.addToGroup(g, m)
		}
		r.destroyGroup(other)
		if g.Full(r.cfg.MaxPerGroup) {
			break
		}
	}
	r.refreshCentroid(g)
	return nil
}

// createGroup forms a new group from the given members at their centroid and
// announces it through the zone index.
func (r *Room) createGroup(members ...*Participant) *Group {
	var id uint32
	if n := len(r.freeGroupIDs); n > 0 {
		id = r.freeGroupIDs[n-1]
		r.freeGroupIDs = r.freeGroupIDs[:n-1]
	} else {
		r.nextGroupID++
		id = r.nextGroupID
	}
	g := &Group{ID: id}
	r.groups[id] = g
	for _, m := range members {
		r.addToGroup(g, m)
	}
	r.refreshCentroid(g)
	r.logger.Debug("group formed", zap.Uint32("groupId", id), zap.Int("size", g.Size()))
	return g
}

func (r *Room) addToGroup(g *Group, p *Participant) {
	g.memberIDs = append(g.memberIDs, p.ID)
	p.groupID = g.ID
	// A group that gains a member is no longer drifting away.
	g.outOfBounds = false
}

// refreshCentroid recomputes the centroid from current member positions and
// relocates the group in the zone index, emitting the matching deltas.
func (r *Room) refreshCentroid(g *Group) {
	c, err := r.previewCentroid(g)
	if err != nil {
		r.logger.Error("recomputing centroid", zap.Uint32("groupId", g.ID), zap.Error(err))
		return
	}
	g.centroid = c
	r.index.UpdatePosition(g, c)
}

// previewCentroid computes the centroid of the group's members at their
// current positions without mutating the group.
func (r *Room) previewCentroid(g *Group) (zone.Point, error) {
	if g.Size() == 0 {
		return zone.Point{}, fmt.Errorf("group %d has no members: %w", g.ID, ErrInconsistentState)
	}
	var sumX, sumY int64
	for _, id := range g.memberIDs {
		m, ok := r.participants[id]
		if !ok {
			return zone.Point{}, fmt.Errorf("member %d of group %d: %w", id, g.ID, ErrInconsistentState)
		}
		sumX += int64(m.pos.X)
		sumY += int64(m.pos.Y)
	}
	n := int64(g.Size())
	return zone.Point{X: int32(sumX / n), Y: int32(sumY / n)}, nil
}

// destroyGroup releases the group's id, detaches any remaining members, and
// removes it from the zone index.
func (r *Room) destroyGroup(g *Group) {
	for _, id := range g.memberIDs {
		if m, ok := r.participants[id]; ok {
			m.groupID = 0
		}
	}
	g.memberIDs = nil
	r.index.Remove(g)
	delete(r.groups, g.ID)
	r.freeGroupIDs = append(r.freeGroupIDs, g.ID)
	r.logger.Debug("group destroyed", zap.Uint32("groupId", g.ID))
}
