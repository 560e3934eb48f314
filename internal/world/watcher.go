package world

import "github.com/atrium-world/atrium/internal/zone"

// participantWatcher is the zone observer registered for one participant's
// session. It translates cell-scoped deltas into outbound events on the
// participant's transport. Deltas about the participant itself are dropped:
// a client already knows its own position.
type participantWatcher struct {
	p *Participant
}

var _ zone.Observer = (*participantWatcher)(nil)

func (w *participantWatcher) OnZoneEnter(m zone.Movable) {
	switch v := m.(type) {
	case *Participant:
		if v.ID == w.p.ID {
			return
		}
		w.p.send(UserJoinedEvent{ParticipantState: v.State()})
	case *Group:
		w.p.send(GroupUpdatedEvent{GroupState: v.State()})
	}
}

func (w *participantWatcher) OnZoneMove(m zone.Movable) {
	switch v := m.(type) {
	case *Participant:
		if v.ID == w.p.ID {
			return
		}
		w.p.send(UserMovedEvent{ID: v.ID, Position: v.Position()})
	case *Group:
		w.p.send(GroupUpdatedEvent{GroupState: v.State()})
	}
}

func (w *participantWatcher) OnZoneLeave(m zone.Movable) {
	switch v := m.(type) {
	case *Participant:
		if v.ID == w.p.ID {
			return
		}
		w.p.send(UserLeftEvent{ID: v.ID})
	case *Group:
		w.p.send(GroupDeletedEvent{ID: v.ID})
	}
}

func (w *participantWatcher) OnZoneEmote(m zone.Movable, emote string) {
	v, ok := m.(*Participant)
	if !ok || v.ID == w.p.ID {
		return
	}
	w.p.send(EmoteEvent{ID: v.ID, Emote: emote})
}

func (w *participantWatcher) OnZoneGroupLock(groupID uint32, locked bool) {
	w.p.send(GroupLockEvent{GroupID: groupID, Locked: locked})
}
