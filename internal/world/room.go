package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/resolver"
	"github.com/atrium-world/atrium/internal/zone"
)

// Room owns the connected participants of one room key, their proximity
// groups, the spatial zone index, and the room's admin and variable
// observers. All state is guarded by one mutex; handlers run to completion
// under it, which is what keeps the grouping engine's invariants safe
// without finer-grained locking.
type Room struct {
	// Key is the stable room key.
	Key string

	mu sync.Mutex

	meta     resolver.Metadata
	cfg      config.WorldConfig
	logger   *zap.Logger
	degraded bool

	participants map[uint32]*Participant
	// byUUID indexes the sessions sharing one external identity.
	byUUID map[string]map[uint32]*Participant
	groups map[uint32]*Group

	nextParticipantID uint32
	nextGroupID       uint32
	// freeGroupIDs are reclaimed group ids, reused before the counter grows.
	freeGroupIDs []uint32

	admins       map[Transport]struct{}
	varListeners map[Transport]string // transport -> variable name filter, "" = all

	index      *zone.Index
	itemStates map[int32]json.RawMessage
	// mapVersion increments on every cache reload so clients can detect a
	// stale map.
	mapVersion uint32

	vars *variableManager
}

// NewRoom creates a Room for the given key and resolved metadata.
//
// Precondition: cfg must be validated; logger must be non-nil. store may be
// nil, in which case the room runs degraded without variable persistence.
func NewRoom(key string, meta resolver.Metadata, cfg config.WorldConfig, store VariableStore, degraded bool, logger *zap.Logger) *Room {
	r := &Room{
		Key:          key,
		meta:         meta,
		cfg:          cfg,
		logger:       logger,
		degraded:     degraded,
		participants: make(map[uint32]*Participant),
		byUUID:       make(map[string]map[uint32]*Participant),
		groups:       make(map[uint32]*Group),
		admins:       make(map[Transport]struct{}),
		varListeners: make(map[Transport]string),
		index:        zone.NewIndex(cfg.CellSize),
		itemStates:   make(map[int32]json.RawMessage),
	}
	r.vars = newVariableManager(store, key, cfg.ReloadGuard, logger, func() {
		r.mapVersion++
	})
	return r
}

// loadVariables primes the variable cache. Called by the registry before the
// room becomes routable.
func (r *Room) loadVariables(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vars.load(ctx)
}

// JoinRequest carries the admission data of the mandatory first protocol
// message.
type JoinRequest struct {
	UUID            string
	Name            string
	IPAddress       string
	LoggedIn        bool
	Position        Position
	CharacterLayers []string
	VisitCardURL    string
	Companion       string
	Status          string
	Tags            []string
}

// RoomJoinedEvent is the first sub-message of a join answer batch: the
// assigned participant id plus the room-wide state a client needs before
// zone deltas start flowing.
type RoomJoinedEvent struct {
	ID         uint32                     `json:"id"`
	ItemStates map[int32]json.RawMessage  `json:"itemStates,omitempty"`
	Variables  map[string]json.RawMessage `json:"variables,omitempty"`
	MapVersion uint32                     `json:"mapVersion"`
	Tags       []string                   `json:"tags,omitempty"`
}

func (RoomJoinedEvent) isEvent() {}

// Join admits a participant and registers its session with the zone index.
// The returned batch holds the join answer: the RoomJoinedEvent followed by
// the zone snapshot of the starting cell, so the client's view initializes
// without racing subsequent deltas.
//
// Precondition: t must be non-nil.
// Postcondition: The participant is present in every room index until Leave.
func (r *Room) Join(req JoinRequest, t Transport) (*Participant, []Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextParticipantID++
	p := &Participant{
		ID:              r.nextParticipantID,
		UUID:            req.UUID,
		Name:            req.Name,
		IPAddress:       req.IPAddress,
		LoggedIn:        req.LoggedIn,
		Tags:            req.Tags,
		characterLayers: req.CharacterLayers,
		visitCardURL:    req.VisitCardURL,
		companion:       req.Companion,
		status:          req.Status,
		pos:             req.Position,
		followerIDs:     make(map[uint32]struct{}),
		transport:       t,
	}
	p.watcher = &participantWatcher{p: p}

	r.participants[p.ID] = p
	brothers := r.byUUID[p.UUID]
	if brothers == nil {
		brothers = make(map[uint32]*Participant)
		r.byUUID[p.UUID] = brothers
	}
	brothers[p.ID] = p

	snapshot := r.index.AddListener(p.watcher, p.pos.Point())
	r.index.UpdatePosition(p, p.pos.Point())

	batch := make([]Event, 0, len(snapshot)+2)
	batch = append(batch, RoomJoinedEvent{
		ID:         p.ID,
		ItemStates: copyRawMap(r.itemStates),
		Variables:  r.vars.all(),
		MapVersion: r.mapVersion,
		Tags:       p.Tags,
	})
	for _, m := range snapshot {
		switch v := m.(type) {
		case *Participant:
			batch = append(batch, UserJoinedEvent{ParticipantState: v.State()})
		case *Group:
			batch = append(batch, GroupUpdatedEvent{GroupState: v.State()})
		}
	}
	if r.degraded {
		batch = append(batch, WarningEvent{
			Message: "Room is running without its map resolver; server-side checks and variable persistence are disabled.",
		})
	}

	r.notifyAdmins(MemberJoinedEvent{ID: p.ID, UUID: p.UUID, Name: p.Name, IP: p.IPAddress})

	r.logger.Info("participant joined",
		zap.Uint32("id", p.ID),
		zap.String("uuid", p.UUID),
		zap.String("name", p.Name),
	)
	return p, batch, nil
}

// Leave removes the participant from the room and every secondary index.
// Leaving twice is a no-op, which keeps connection teardown idempotent.
func (r *Room) Leave(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID]; !ok {
		return nil
	}

	if p.groupID != 0 {
		if err := r.leaveGroup(p); err != nil {
			// Surface the fault but finish the removal; a half-removed
			// participant is worse than a missing group entry.
			r.logger.Error("leaving group during removal", zap.Uint32("id", p.ID), zap.Error(err))
		}
	}
	r.clearFollowRelation(p)

	r.index.Remove(p)
	r.index.RemoveListener(p.watcher, p.pos.Point())

	delete(r.participants, p.ID)
	if brothers, ok := r.byUUID[p.UUID]; ok {
		delete(brothers, p.ID)
		if len(brothers) == 0 {
			delete(r.byUUID, p.UUID)
		}
	}

	r.notifyAdmins(MemberLeftEvent{ID: p.ID, UUID: p.UUID})

	r.logger.Info("participant left",
		zap.Uint32("id", p.ID),
		zap.String("uuid", p.UUID),
	)
	return nil
}

// UpdatePosition moves the participant, relocates its zone listener, fans
// out the movement delta, and re-evaluates group membership.
func (r *Room) UpdatePosition(p *Participant, pos Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID]; !ok {
		return fmt.Errorf("updating position for id %d: %w", p.ID, ErrUnknownParticipant)
	}

	old := p.pos
	p.pos = pos

	r.index.UpdatePosition(p, pos.Point())
	r.index.MoveListener(p.watcher, old.Point(), pos.Point())

	return r.updateGroupMembership(p)
}

// UpdateDetails applies a partial details update. Setting silent forces an
// immediate group exit before anything else; a participant can never be
// silent and grouped at once.
func (r *Room) UpdateDetails(p *Participant, upd DetailsUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID]; !ok {
		return fmt.Errorf("updating details for id %d: %w", p.ID, ErrUnknownParticipant)
	}

	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Status != nil {
		p.status = *upd.Status
	}
	if upd.CharacterLayers != nil {
		p.characterLayers = upd.CharacterLayers
	}
	if upd.Silent != nil && *upd.Silent != p.silent {
		p.silent = *upd.Silent
		if p.silent && p.groupID != 0 {
			if err := r.leaveGroup(p); err != nil {
				return err
			}
		}
	}

	r.broadcast(p.ID, DetailsUpdatedEvent{
		ID:              p.ID,
		Name:            p.Name,
		Status:          p.status,
		CharacterLayers: p.characterLayers,
	})

	return r.updateGroupMembership(p)
}

// Emote routes an emote to the observers of the participant's cell.
func (r *Room) Emote(p *Participant, emote string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index.EmitEmote(p, emote)
}

// LockGroup sets the lock flag of the participant's group and announces the
// change to the group's cell observers.
func (r *Room) LockGroup(p *Participant, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.groupID == 0 {
		return fmt.Errorf("participant %d is not in a group", p.ID)
	}
	g, ok := r.groups[p.groupID]
	if !ok {
		return fmt.Errorf("group %d referenced by participant %d: %w", p.groupID, p.ID, ErrInconsistentState)
	}
	g.locked = locked
	r.index.EmitGroupLock(g, g.ID, locked)
	return nil
}

// ItemEvent records an item's new state and relays the event to every other
// participant. Item state is room-wide: late joiners receive it in the join
// snapshot, so the fan-out cannot be zone-scoped.
func (r *Room) ItemEvent(p *Participant, itemID int32, event string, state, parameters json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.itemStates[itemID] = state
	r.broadcast(p.ID, ItemStateEvent{ItemID: itemID, Event: event, State: state, Parameters: parameters})
}

// EditMap bumps the map version and relays the edit to every other
// participant. Rooms whose metadata is not editable refuse the command.
func (r *Room) EditMap(p *Participant, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.meta.Editable {
		return ErrMapNotEditable
	}
	r.mapVersion++
	r.broadcast(p.ID, MapEditEvent{Payload: payload, Version: r.mapVersion})
	return nil
}

// RelaySignal forwards an opaque WebRTC signaling payload to the receiver.
func (r *Room) RelaySignal(p *Participant, receiverID uint32, signal json.RawMessage, screen bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	receiver, ok := r.participants[receiverID]
	if !ok {
		return fmt.Errorf("relaying signal to id %d: %w", receiverID, ErrUnknownParticipant)
	}
	receiver.send(WebRTCSignalEvent{SenderID: p.ID, Signal: signal, Screen: screen})
	return nil
}

// SetVariable writes a room variable and broadcasts the update to all
// participants and matching variable listeners.
func (r *Room) SetVariable(ctx context.Context, name string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.vars.set(ctx, name, value); err != nil {
		return err
	}

	ev := VariableEvent{Name: name, Value: value}
	r.broadcast(0, ev)
	for t, filter := range r.varListeners {
		if filter == "" || filter == name {
			_ = t.SendBatch([]Event{ev})
		}
	}
	return nil
}

// GetVariable returns the cached value of a variable.
func (r *Room) GetVariable(name string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vars.get(name)
}

// Variables returns a copy of the room's variable cache.
func (r *Room) Variables() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vars.all()
}

// SendUserMessage delivers an administrative message to every session of the
// given external identity.
func (r *Room) SendUserMessage(targetUUID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageBrothers(targetUUID, "message", message, false)
}

// Ban notifies every session of the identity and terminates their
// connections. Removal from the room happens through the usual teardown.
func (r *Room) Ban(targetUUID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageBrothers(targetUUID, "ban", message, true)
}

func (r *Room) messageBrothers(uuid, msgType, message string, terminate bool) error {
	brothers, ok := r.byUUID[uuid]
	if !ok {
		return fmt.Errorf("identity %q: %w", uuid, ErrUnknownParticipant)
	}
	for _, b := range brothers {
		b.send(UserMessageEvent{Type: msgType, Message: message})
		if terminate && b.transport != nil {
			b.transport.Terminate(msgType)
		}
	}
	return nil
}

// AskPosition answers with the location of the identity's lowest-id session.
func (r *Room) AskPosition(p *Participant, targetUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	brothers, ok := r.byUUID[targetUUID]
	if !ok || len(brothers) == 0 {
		return fmt.Errorf("identity %q: %w", targetUUID, ErrUnknownParticipant)
	}
	ids := make([]uint32, 0, len(brothers))
	for id := range brothers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	target := brothers[ids[0]]
	p.send(TeleportEvent{X: target.pos.X, Y: target.pos.Y})
	return nil
}

// FollowRequest relays a follow invitation from the leader to the other
// members of its group. A leader outside any group has nobody to invite.
func (r *Room) FollowRequest(leader *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if leader.groupID == 0 {
		return
	}
	g, ok := r.groups[leader.groupID]
	if !ok {
		return
	}
	for _, id := range g.memberIDs {
		if id == leader.ID {
			continue
		}
		if member, ok := r.participants[id]; ok {
			member.send(FollowRequestEvent{LeaderID: leader.ID})
		}
	}
}

// FollowConfirm records that follower now follows the leader and notifies
// the leader.
func (r *Room) FollowConfirm(follower *Participant, leaderID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	leader, ok := r.participants[leaderID]
	if !ok {
		return fmt.Errorf("follow leader id %d: %w", leaderID, ErrUnknownParticipant)
	}
	if follower.leaderID != 0 {
		r.clearFollowRelation(follower)
	}
	follower.leaderID = leader.ID
	leader.followerIDs[follower.ID] = struct{}{}
	leader.send(FollowConfirmEvent{LeaderID: leader.ID, FollowerID: follower.ID})
	return nil
}

// FollowAbort ends follow relations around p: a follower breaks its own
// relation, a leader dissolves its whole troop.
func (r *Room) FollowAbort(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearFollowRelation(p)
}

// clearFollowRelation removes every follow edge touching p and notifies the
// counterparts. Callers hold the room lock.
func (r *Room) clearFollowRelation(p *Participant) {
	if p.leaderID != 0 {
		if leader, ok := r.participants[p.leaderID]; ok {
			delete(leader.followerIDs, p.ID)
			leader.send(FollowAbortEvent{LeaderID: leader.ID, FollowerID: p.ID})
		}
		p.leaderID = 0
	}
	for fid := range p.followerIDs {
		if f, ok := r.participants[fid]; ok {
			f.leaderID = 0
			f.send(FollowAbortEvent{LeaderID: p.ID, FollowerID: f.ID})
		}
		delete(p.followerIDs, fid)
	}
}

// AddAdmin subscribes an admin observer and replays the current member list.
func (r *Room) AddAdmin(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.admins[t] = struct{}{}
	for _, id := range r.sortedParticipantIDs() {
		p := r.participants[id]
		_ = t.SendBatch([]Event{MemberJoinedEvent{ID: p.ID, UUID: p.UUID, Name: p.Name, IP: p.IPAddress}})
	}
}

// RemoveAdmin unsubscribes an admin observer. Unknown observers are ignored.
func (r *Room) RemoveAdmin(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.admins, t)
}

// AddVariableListener subscribes a room-level observer to variable updates,
// optionally filtered by name ("" receives all).
func (r *Room) AddVariableListener(t Transport, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.varListeners[t] = name
}

// RemoveVariableListener unsubscribes a variable observer.
func (r *Room) RemoveVariableListener(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.varListeners, t)
}

// Broadcast sends an event to every participant. Used by unary admin
// operations.
func (r *Room) Broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast(0, ev)
}

// IsEmpty reports whether the room holds no participants, admins, or
// room-level observers and can be reclaimed.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants) == 0 && len(r.admins) == 0 && len(r.varListeners) == 0
}

// Stats is a point-in-time summary for the admin room list.
type Stats struct {
	Key          string `json:"key"`
	Participants int    `json:"participants"`
	Groups       int    `json:"groups"`
	MapURL       string `json:"mapUrl,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// Snapshot returns a point-in-time summary of the room.
func (r *Room) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Key:          r.Key,
		Participants: len(r.participants),
		Groups:       len(r.groups),
		MapURL:       r.meta.MapURL,
		Degraded:     r.degraded,
	}
}

// broadcast sends an event to every participant except the given id (0 for
// none). Callers hold the room lock.
func (r *Room) broadcast(exceptID uint32, ev Event) {
	for id, p := range r.participants {
		if id == exceptID {
			continue
		}
		p.send(ev)
	}
}

// notifyAdmins sends an event to every admin observer. Callers hold the
// room lock.
func (r *Room) notifyAdmins(ev Event) {
	for t := range r.admins {
		_ = t.SendBatch([]Event{ev})
	}
}

func (r *Room) sortedParticipantIDs() []uint32 {
	ids := make([]uint32, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Room) sortedGroupIDs() []uint32 {
	ids := make([]uint32, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyRawMap(in map[int32]json.RawMessage) map[int32]json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int32]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
