// Package gateway implements the websocket protocol surface: the inbound
// message envelope, client and admin session state machines, and the HTTP
// handlers that mount them.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atrium-world/atrium/internal/world"
)

// Message is one decoded inbound frame. The set of implementations is
// closed; dispatch is an exhaustive type switch and anything outside the set
// is a protocol violation at decode time.
type Message interface {
	isMessage()
}

// ErrUnknownMessage reports an inbound frame with an unrecognized type tag.
var ErrUnknownMessage = errors.New("unknown message type")

// JoinMessage is the mandatory first frame of a client session.
type JoinMessage struct {
	RoomKey         string         `json:"roomKey"`
	UUID            string         `json:"uuid"`
	Name            string         `json:"name"`
	CharacterLayers []string       `json:"characterLayers,omitempty"`
	VisitCardURL    string         `json:"visitCardUrl,omitempty"`
	Companion       string         `json:"companion,omitempty"`
	Status          string         `json:"status,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Position        world.Position `json:"position"`
	LoggedIn        bool           `json:"loggedIn,omitempty"`
}

// MoveMessage carries a position update.
type MoveMessage struct {
	Position world.Position `json:"position"`
}

// SetDetailsMessage is a partial details update; absent fields stay.
type SetDetailsMessage struct {
	Name            *string  `json:"name,omitempty"`
	Silent          *bool    `json:"silent,omitempty"`
	Status          *string  `json:"status,omitempty"`
	CharacterLayers []string `json:"characterLayers,omitempty"`
}

// ItemEventMessage reports an interaction with a map item.
type ItemEventMessage struct {
	ItemID     int32           `json:"itemId"`
	Event      string          `json:"event"`
	State      json.RawMessage `json:"state,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// SetVariableMessage writes a room variable.
type SetVariableMessage struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// WebRTCSignalMessage relays signaling data to another participant.
type WebRTCSignalMessage struct {
	ReceiverID uint32          `json:"receiverId"`
	Signal     json.RawMessage `json:"signal"`
}

// WebRTCScreenSignalMessage relays screen-sharing signaling data.
type WebRTCScreenSignalMessage struct {
	ReceiverID uint32          `json:"receiverId"`
	Signal     json.RawMessage `json:"signal"`
}

// QueryMessage is a request/response exchange layered on the stream; the
// answer frame echoes the query id.
type QueryMessage struct {
	QueryID uint32          `json:"queryId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EmoteMessage plays an emote visible to the sender's cell observers.
type EmoteMessage struct {
	Emote string `json:"emote"`
}

// FollowRequestMessage invites the sender's group to follow the sender.
type FollowRequestMessage struct{}

// FollowConfirmMessage accepts a follow invitation.
type FollowConfirmMessage struct {
	LeaderID uint32 `json:"leaderId"`
}

// FollowAbortMessage ends the sender's follow relations.
type FollowAbortMessage struct{}

// LockGroupMessage locks or unlocks the sender's group.
type LockGroupMessage struct {
	Lock bool `json:"lock"`
}

// EditMapMessage relays a map-edit command to the room.
type EditMapMessage struct {
	Payload json.RawMessage `json:"payload"`
}

// UserMessageMessage sends a moderation message to every session of an
// identity.
type UserMessageMessage struct {
	TargetUUID string `json:"targetUuid"`
	Message    string `json:"message"`
}

// BanUserMessage bans every session of an identity from the room.
type BanUserMessage struct {
	TargetUUID string `json:"targetUuid"`
	Message    string `json:"message"`
}

// AskPositionMessage requests a teleport answer to an identity's location.
type AskPositionMessage struct {
	TargetUUID string `json:"targetUuid"`
}

func (JoinMessage) isMessage()               {}
func (MoveMessage) isMessage()               {}
func (SetDetailsMessage) isMessage()         {}
func (ItemEventMessage) isMessage()          {}
func (SetVariableMessage) isMessage()        {}
func (WebRTCSignalMessage) isMessage()       {}
func (WebRTCScreenSignalMessage) isMessage() {}
func (QueryMessage) isMessage()              {}
func (EmoteMessage) isMessage()              {}
func (FollowRequestMessage) isMessage()      {}
func (FollowConfirmMessage) isMessage()      {}
func (FollowAbortMessage) isMessage()        {}
func (LockGroupMessage) isMessage()          {}
func (EditMapMessage) isMessage()            {}
func (UserMessageMessage) isMessage()        {}
func (BanUserMessage) isMessage()            {}
func (AskPositionMessage) isMessage()        {}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one inbound frame into its concrete message type.
//
// Postcondition: Returns ErrUnknownMessage for an unrecognized type tag; any
// other error is a malformed payload.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing frame envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case "join":
		msg, err = decodeAs[JoinMessage](env.Data)
	case "move":
		msg, err = decodeAs[MoveMessage](env.Data)
	case "setDetails":
		msg, err = decodeAs[SetDetailsMessage](env.Data)
	case "itemEvent":
		msg, err = decodeAs[ItemEventMessage](env.Data)
	case "setVariable":
		msg, err = decodeAs[SetVariableMessage](env.Data)
	case "webrtcSignal":
		msg, err = decodeAs[WebRTCSignalMessage](env.Data)
	case "webrtcScreenSignal":
		msg, err = decodeAs[WebRTCScreenSignalMessage](env.Data)
	case "query":
		msg, err = decodeAs[QueryMessage](env.Data)
	case "emote":
		msg, err = decodeAs[EmoteMessage](env.Data)
	case "followRequest":
		msg, err = decodeAs[FollowRequestMessage](env.Data)
	case "followConfirm":
		msg, err = decodeAs[FollowConfirmMessage](env.Data)
	case "followAbort":
		msg, err = decodeAs[FollowAbortMessage](env.Data)
	case "lockGroup":
		msg, err = decodeAs[LockGroupMessage](env.Data)
	case "editMap":
		msg, err = decodeAs[EditMapMessage](env.Data)
	case "userMessage":
		msg, err = decodeAs[UserMessageMessage](env.Data)
	case "banUser":
		msg, err = decodeAs[BanUserMessage](env.Data)
	case "askPosition":
		msg, err = decodeAs[AskPositionMessage](env.Data)
	default:
		return nil, fmt.Errorf("type %q: %w", env.Type, ErrUnknownMessage)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %q payload: %w", env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var msg T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
