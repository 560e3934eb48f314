package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/resolver"
	"github.com/atrium-world/atrium/internal/world"
)

// frame is one outbound wire frame. Batches carry their sub-messages in
// Payload; the heartbeat frame has no payload at all.
type frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

var heartbeatFrame = []byte(`{"type":"heartbeat"}`)

// eventFrame maps a world event to its tagged wire form. The switch is
// exhaustive over the event set; an unmapped event is a programming error.
func eventFrame(ev world.Event) (frame, error) {
	var tag string
	switch ev.(type) {
	case world.RoomJoinedEvent:
		tag = "roomJoined"
	case world.UserJoinedEvent:
		tag = "userJoined"
	case world.UserMovedEvent:
		tag = "userMoved"
	case world.UserLeftEvent:
		tag = "userLeft"
	case world.GroupUpdatedEvent:
		tag = "groupUpdated"
	case world.GroupDeletedEvent:
		tag = "groupDeleted"
	case world.GroupLockEvent:
		tag = "groupLocked"
	case world.EmoteEvent:
		tag = "emote"
	case world.ItemStateEvent:
		tag = "itemEvent"
	case world.VariableEvent:
		tag = "variable"
	case world.MapEditEvent:
		tag = "mapEdit"
	case world.WebRTCSignalEvent:
		tag = "webrtcSignal"
	case world.UserMessageEvent:
		tag = "userMessage"
	case world.TeleportEvent:
		tag = "teleport"
	case world.FollowRequestEvent:
		tag = "followRequest"
	case world.FollowConfirmEvent:
		tag = "followConfirm"
	case world.FollowAbortEvent:
		tag = "followAbort"
	case world.DetailsUpdatedEvent:
		tag = "detailsUpdated"
	case world.WarningEvent:
		tag = "warning"
	case world.ErrorEvent:
		tag = "error"
	case world.RefreshRoomEvent:
		tag = "refreshRoom"
	case world.WorldFullWarningEvent:
		tag = "worldFullWarning"
	case world.ChatMessagePromptEvent:
		tag = "chatMessagePrompt"
	case world.MemberJoinedEvent:
		tag = "memberJoined"
	case world.MemberLeftEvent:
		tag = "memberLeft"
	default:
		return frame{}, fmt.Errorf("unmapped event type %T", ev)
	}
	return frame{Type: tag, Payload: ev}, nil
}

// encodeBatch serializes a batch of events into one wire frame.
func encodeBatch(events []world.Event) ([]byte, error) {
	frames := make([]frame, 0, len(events))
	for _, ev := range events {
		f, err := eventFrame(ev)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return json.Marshal(frame{Type: "batch", Payload: frames})
}

// ErrSendBufferFull reports that a session could not keep up with its
// outbound event stream.
var ErrSendBufferFull = errors.New("session send buffer full")

// Client is one end-user websocket session. It owns the connection's read
// and write pumps, the join state machine, and teardown. Client implements
// world.Transport; room handlers push batches into the send channel and
// never block on the socket.
type Client struct {
	conn     *websocket.Conn
	cfg      config.SessionConfig
	registry *world.Registry
	logger   *zap.Logger
	remoteIP string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// writeMu serializes socket writes: the write pump and the terminal
	// error frame of a protocol violation share the connection.
	writeMu sync.Mutex

	// sessionMu guards room and participant: written once by the reader
	// goroutine on join, read by teardown, which may run from another
	// goroutine (admin ban, send overflow).
	sessionMu   sync.Mutex
	room        *world.Room
	participant *world.Participant
}

// adoptSession records the admitted participant unless teardown already
// started, in which case the caller still owns the cleanup.
func (c *Client) adoptSession(room *world.Room, p *world.Participant) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.room = room
	c.participant = p
	return true
}

func (c *Client) session() (*world.Room, *world.Participant) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.room, c.participant
}

// NewClient wraps an upgraded connection. Run must be called to start the
// session. Every session gets its own id so its log lines correlate across
// goroutines.
func NewClient(conn *websocket.Conn, cfg config.SessionConfig, registry *world.Registry, remoteIP string, logger *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(zap.String("session", uuid.NewString())),
		remoteIP: remoteIP,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// SendBatch implements world.Transport. A batch that does not fit the buffer
// is dropped with an error and the session is torn down: a client that far
// behind is unrecoverable.
func (c *Client) SendBatch(events []world.Event) error {
	data, err := encodeBatch(events)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("session closed")
	default:
		c.Terminate("send buffer overflow")
		return ErrSendBufferFull
	}
}

// Terminate implements world.Transport.
func (c *Client) Terminate(reason string) {
	go c.teardown(reason)
}

// Run drives the session until the connection dies: the write pump in a
// goroutine, the read loop in the calling one. It returns once teardown has
// completed.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// writePump services the send channel and the heartbeat ticker. All socket
// writes happen here.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.teardown("write failure")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.TextMessage, heartbeatFrame); err != nil {
				c.teardown("write failure")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// readPump consumes inbound frames until close, error, or liveness timeout.
// Any inbound frame counts as liveness; there is no dedicated pong message.
func (c *Client) readPump(ctx context.Context) {
	defer c.teardown("connection closed")

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout)); err != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(raw)
		if err != nil {
			c.protocolViolation(err.Error())
			return
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.protocolViolation(err.Error())
			return
		}
	}
}

// dispatch routes one decoded message. Join must come first and exactly
// once; every other message requires an admitted participant.
func (c *Client) dispatch(ctx context.Context, msg Message) error {
	if c.participant == nil {
		join, ok := msg.(JoinMessage)
		if !ok {
			return fmt.Errorf("first message must be join, got %T", msg)
		}
		return c.handleJoin(ctx, join)
	}

	switch m := msg.(type) {
	case JoinMessage:
		return errors.New("duplicate join")
	case MoveMessage:
		return c.room.UpdatePosition(c.participant, m.Position)
	case SetDetailsMessage:
		return c.room.UpdateDetails(c.participant, world.DetailsUpdate{
			Name:            m.Name,
			Silent:          m.Silent,
			Status:          m.Status,
			CharacterLayers: m.CharacterLayers,
		})
	case ItemEventMessage:
		c.room.ItemEvent(c.participant, m.ItemID, m.Event, m.State, m.Parameters)
		return nil
	case SetVariableMessage:
		if err := c.room.SetVariable(ctx, m.Name, m.Value); err != nil {
			// Rejected writes are answered, not fatal: the client's cache is
			// stale, not its protocol.
			c.sendError(fmt.Sprintf("variable %q not saved: %v", m.Name, err))
		}
		return nil
	case WebRTCSignalMessage:
		// The receiver may legitimately have left between the sender's view
		// of the room and now; answered, not fatal.
		if err := c.room.RelaySignal(c.participant, m.ReceiverID, m.Signal, false); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case WebRTCScreenSignalMessage:
		if err := c.room.RelaySignal(c.participant, m.ReceiverID, m.Signal, true); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case QueryMessage:
		c.handleQuery(m)
		return nil
	case EmoteMessage:
		c.room.Emote(c.participant, m.Emote)
		return nil
	case FollowRequestMessage:
		c.room.FollowRequest(c.participant)
		return nil
	case FollowConfirmMessage:
		if err := c.room.FollowConfirm(c.participant, m.LeaderID); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case FollowAbortMessage:
		c.room.FollowAbort(c.participant)
		return nil
	case LockGroupMessage:
		if err := c.room.LockGroup(c.participant, m.Lock); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case EditMapMessage:
		if err := c.room.EditMap(c.participant, m.Payload); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case UserMessageMessage:
		if err := c.room.SendUserMessage(m.TargetUUID, m.Message); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case BanUserMessage:
		if err := c.room.Ban(m.TargetUUID, m.Message); err != nil {
			c.sendError(err.Error())
		}
		return nil
	case AskPositionMessage:
		if err := c.room.AskPosition(c.participant, m.TargetUUID); err != nil {
			c.sendError(err.Error())
		}
		return nil
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (c *Client) handleJoin(ctx context.Context, join JoinMessage) error {
	room, err := c.registry.GetOrCreate(ctx, join.RoomKey)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			return fmt.Errorf("room %q does not exist", join.RoomKey)
		}
		return fmt.Errorf("opening room %q: %w", join.RoomKey, err)
	}

	participant, batch, err := room.Join(world.JoinRequest{
		UUID:            join.UUID,
		Name:            join.Name,
		IPAddress:       c.remoteIP,
		LoggedIn:        join.LoggedIn,
		Position:        join.Position,
		CharacterLayers: join.CharacterLayers,
		VisitCardURL:    join.VisitCardURL,
		Companion:       join.Companion,
		Status:          join.Status,
		Tags:            join.Tags,
	}, c)
	if err != nil {
		return fmt.Errorf("joining room %q: %w", join.RoomKey, err)
	}

	if !c.adoptSession(room, participant) {
		// Teardown ran between admission and adoption and saw no session;
		// the cleanup falls to us.
		if err := room.Leave(participant); err != nil {
			c.logger.Error("removing participant", zap.Uint32("id", participant.ID), zap.Error(err))
		}
		c.registry.MaybeEvict(room.Key)
		return errors.New("session closed during join")
	}
	return c.SendBatch(batch)
}

// queryAnswer is the response frame of a run-query exchange.
type queryAnswer struct {
	QueryID uint32      `json:"queryId"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleQuery answers a query without touching the session state machine.
// Unknown kinds answer with an error rather than killing the session.
func (c *Client) handleQuery(q QueryMessage) {
	answer := queryAnswer{QueryID: q.QueryID}
	switch q.Kind {
	case "roomStats":
		answer.Result = c.room.Snapshot()
	case "variable":
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(q.Payload, &req); err != nil {
			answer.Error = fmt.Sprintf("malformed variable query: %v", err)
			break
		}
		value, ok := c.room.GetVariable(req.Name)
		if !ok {
			answer.Error = fmt.Sprintf("variable %q not set", req.Name)
			break
		}
		answer.Result = value
	default:
		answer.Error = fmt.Sprintf("unknown query kind %q", q.Kind)
	}
	c.sendFrame(frame{Type: "answer", Payload: answer})
}

func (c *Client) sendError(message string) {
	c.sendFrame(frame{Type: "error", Payload: world.ErrorEvent{Message: message}})
}

func (c *Client) sendFrame(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encoding frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

// protocolViolation answers with a terminal error frame and closes. The
// error write is best-effort on a connection that is going away.
func (c *Client) protocolViolation(message string) {
	data, err := json.Marshal(frame{Type: "error", Payload: world.ErrorEvent{Message: message}})
	if err == nil {
		_ = c.write(websocket.TextMessage, data)
	}
	c.teardown("protocol violation: " + message)
}

// teardown is the single exit path for every termination cause. Idempotent:
// timers stop, the participant leaves its room once, the socket closes.
func (c *Client) teardown(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if room, p := c.session(); p != nil {
			if err := room.Leave(p); err != nil {
				c.logger.Error("removing participant", zap.Uint32("id", p.ID), zap.Error(err))
			}
			c.registry.MaybeEvict(room.Key)
		}
		_ = c.conn.Close()
		c.logger.Info("session closed", zap.String("reason", reason))
	})
}
