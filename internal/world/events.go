package world

import "encoding/json"

// Event is a single outbound sub-message. Events are fanned out in batches;
// the gateway owns serialization into wire frames.
type Event interface {
	isEvent()
}

// Transport pushes events to one connected session. Implemented by the
// gateway's client and admin sessions. Implementations must be safe for
// concurrent use and must not block room handlers: a full or closed
// transport returns an error and the event is dropped at delivery time.
type Transport interface {
	// SendBatch delivers one batched payload of sub-messages.
	SendBatch(events []Event) error
	// Terminate asks the owning session to close the underlying connection.
	// It must be asynchronous and idempotent.
	Terminate(reason string)
}

// ParticipantState is the full wire-visible state of a participant, used for
// join snapshots and "enter" deltas.
type ParticipantState struct {
	ID              uint32   `json:"id"`
	UUID            string   `json:"uuid"`
	Name            string   `json:"name"`
	Position        Position `json:"position"`
	CharacterLayers []string `json:"characterLayers,omitempty"`
	VisitCardURL    string   `json:"visitCardUrl,omitempty"`
	Companion       string   `json:"companion,omitempty"`
	Status          string   `json:"status,omitempty"`
}

// GroupState is the wire-visible state of a proximity group.
type GroupState struct {
	ID     uint32 `json:"groupId"`
	X      int32  `json:"x"`
	Y      int32  `json:"y"`
	Size   int    `json:"groupSize"`
	Locked bool   `json:"locked"`
}

// UserJoinedEvent announces a participant entering the observer's view.
type UserJoinedEvent struct {
	ParticipantState
}

// UserMovedEvent carries a position delta for a participant in view.
type UserMovedEvent struct {
	ID       uint32   `json:"id"`
	Position Position `json:"position"`
}

// UserLeftEvent announces a participant leaving the observer's view or the room.
type UserLeftEvent struct {
	ID uint32 `json:"id"`
}

// GroupUpdatedEvent announces a group entering the observer's view or changing.
type GroupUpdatedEvent struct {
	GroupState
}

// GroupDeletedEvent announces that a group is gone from the observer's view.
type GroupDeletedEvent struct {
	ID uint32 `json:"groupId"`
}

// GroupLockEvent announces a group lock state change.
type GroupLockEvent struct {
	GroupID uint32 `json:"groupId"`
	Locked  bool   `json:"locked"`
}

// EmoteEvent carries an emote from a participant in view.
type EmoteEvent struct {
	ID    uint32 `json:"id"`
	Emote string `json:"emote"`
}

// ItemStateEvent carries an item event and its resulting persisted state.
type ItemStateEvent struct {
	ItemID     int32           `json:"itemId"`
	Event      string          `json:"event"`
	State      json.RawMessage `json:"state,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// VariableEvent carries a room variable update. Value is an opaque
// serialized payload round-tripped byte-for-byte.
type VariableEvent struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// MapEditEvent relays a map-edit command to the room.
type MapEditEvent struct {
	Payload json.RawMessage `json:"payload"`
	Version uint32          `json:"version"`
}

// WebRTCSignalEvent relays an opaque signaling payload between two
// participants. Screen distinguishes screen-sharing signaling.
type WebRTCSignalEvent struct {
	SenderID uint32          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
	Screen   bool            `json:"screen,omitempty"`
}

// UserMessageEvent delivers an administrative text message ("message") or a
// ban notification ("ban") to a participant.
type UserMessageEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TeleportEvent answers an ask-position request with the target's location.
type TeleportEvent struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// FollowRequestEvent asks the receiver to start following the leader.
type FollowRequestEvent struct {
	LeaderID uint32 `json:"leaderId"`
}

// FollowConfirmEvent notifies the leader that a follower accepted.
type FollowConfirmEvent struct {
	LeaderID   uint32 `json:"leaderId"`
	FollowerID uint32 `json:"followerId"`
}

// FollowAbortEvent notifies both sides that a follow relation ended.
type FollowAbortEvent struct {
	LeaderID   uint32 `json:"leaderId"`
	FollowerID uint32 `json:"followerId"`
}

// DetailsUpdatedEvent announces a change to a participant's mutable details.
type DetailsUpdatedEvent struct {
	ID              uint32   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status,omitempty"`
	CharacterLayers []string `json:"characterLayers,omitempty"`
}

// WarningEvent carries human-readable degraded-mode text.
type WarningEvent struct {
	Message string `json:"message"`
}

// ErrorEvent carries a terminal protocol error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// RefreshRoomEvent prompts clients to reload the room.
type RefreshRoomEvent struct {
	Timeout int32 `json:"timeToRefresh,omitempty"`
}

// WorldFullWarningEvent warns that the deployment is near capacity.
type WorldFullWarningEvent struct{}

// ChatMessagePromptEvent asks clients to surface an administrative chat
// prompt in the room.
type ChatMessagePromptEvent struct {
	Message string `json:"message"`
}

// MemberJoinedEvent notifies admin observers of a participant joining,
// regardless of spatial locality.
type MemberJoinedEvent struct {
	ID   uint32 `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
	IP   string `json:"ipAddress,omitempty"`
}

// MemberLeftEvent notifies admin observers of a participant leaving.
type MemberLeftEvent struct {
	ID   uint32 `json:"id"`
	UUID string `json:"uuid"`
}

func (UserJoinedEvent) isEvent()        {}
func (UserMovedEvent) isEvent()         {}
func (UserLeftEvent) isEvent()          {}
func (GroupUpdatedEvent) isEvent()      {}
func (GroupDeletedEvent) isEvent()      {}
func (GroupLockEvent) isEvent()         {}
func (EmoteEvent) isEvent()             {}
func (ItemStateEvent) isEvent()         {}
func (VariableEvent) isEvent()          {}
func (MapEditEvent) isEvent()           {}
func (WebRTCSignalEvent) isEvent()      {}
func (UserMessageEvent) isEvent()       {}
func (TeleportEvent) isEvent()          {}
func (FollowRequestEvent) isEvent()     {}
func (FollowConfirmEvent) isEvent()     {}
func (FollowAbortEvent) isEvent()       {}
func (DetailsUpdatedEvent) isEvent()    {}
func (WarningEvent) isEvent()           {}
func (ErrorEvent) isEvent()             {}
func (RefreshRoomEvent) isEvent()       {}
func (WorldFullWarningEvent) isEvent()  {}
func (ChatMessagePromptEvent) isEvent() {}
func (MemberJoinedEvent) isEvent()      {}
func (MemberLeftEvent) isEvent()        {}
