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
	"github.com/atrium-world/atrium/internal/world"
)

// subscribeMessage is the mandatory first frame of an admin stream.
type subscribeMessage struct {
	Type    string `json:"type"`
	RoomKey string `json:"roomKey"`
}

// AdminClient is an administrative websocket session. After subscribing to
// one room it streams membership events for the whole room, with no spatial
// filtering. It implements world.Transport.
type AdminClient struct {
	conn     *websocket.Conn
	cfg      config.SessionConfig
	registry *world.Registry
	logger   *zap.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// writeMu serializes socket writes between the write pump and the
	// terminal error frame of a protocol violation.
	writeMu sync.Mutex

	roomMu sync.Mutex
	room   *world.Room
}

// NewAdminClient wraps an upgraded admin connection.
func NewAdminClient(conn *websocket.Conn, cfg config.SessionConfig, registry *world.Registry, logger *zap.Logger) *AdminClient {
	return &AdminClient{
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(zap.String("session", uuid.NewString())),
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// SendBatch implements world.Transport.
func (a *AdminClient) SendBatch(events []world.Event) error {
	data, err := encodeBatch(events)
	if err != nil {
		return err
	}
	select {
	case a.send <- data:
		return nil
	case <-a.done:
		return errors.New("admin session closed")
	default:
		a.Terminate("send buffer overflow")
		return ErrSendBufferFull
	}
}

// Terminate implements world.Transport.
func (a *AdminClient) Terminate(reason string) {
	go a.teardown(reason)
}

// Run drives the admin session until the connection dies.
func (a *AdminClient) Run(ctx context.Context) {
	go a.writePump()
	a.readPump(ctx)
}

func (a *AdminClient) writePump() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-a.send:
			if err := a.write(data); err != nil {
				a.teardown("write failure")
				return
			}
		case <-ticker.C:
			if err := a.write(heartbeatFrame); err != nil {
				a.teardown("write failure")
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *AdminClient) write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump requires a subscribe frame first; afterwards inbound frames only
// serve as liveness signals.
func (a *AdminClient) readPump(ctx context.Context) {
	defer a.teardown("connection closed")

	for {
		if err := a.conn.SetReadDeadline(time.Now().Add(a.cfg.LivenessTimeout)); err != nil {
			return
		}
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			return
		}

		a.roomMu.Lock()
		subscribed := a.room != nil
		a.roomMu.Unlock()
		if subscribed {
			continue
		}

		if err := a.handleSubscribe(ctx, raw); err != nil {
			a.protocolViolation(err.Error())
			return
		}
	}
}

func (a *AdminClient) handleSubscribe(ctx context.Context, raw []byte) error {
	var sub subscribeMessage
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("parsing subscribe frame: %w", err)
	}
	if sub.Type != "subscribe" {
		return fmt.Errorf("first message must be subscribe, got %q", sub.Type)
	}
	if sub.RoomKey == "" {
		return errors.New("subscribe requires a room key")
	}

	room, err := a.registry.GetOrCreate(ctx, sub.RoomKey)
	if err != nil {
		return fmt.Errorf("subscribing to room %q: %w", sub.RoomKey, err)
	}
	room.AddAdmin(a)

	a.roomMu.Lock()
	a.room = room
	a.roomMu.Unlock()

	a.logger.Info("admin subscribed", zap.String("roomKey", sub.RoomKey))
	return nil
}

func (a *AdminClient) protocolViolation(message string) {
	data, err := json.Marshal(frame{Type: "error", Payload: world.ErrorEvent{Message: message}})
	if err == nil {
		_ = a.write(data)
	}
	a.teardown("protocol violation: " + message)
}

func (a *AdminClient) teardown(reason string) {
	a.closeOnce.Do(func() {
		close(a.done)
		a.roomMu.Lock()
		room := a.room
		a.roomMu.Unlock()
		if room != nil {
			room.RemoveAdmin(a)
			a.registry.MaybeEvict(room.Key)
		}
		_ = a.conn.Close()
		a.logger.Info("admin session closed", zap.String("reason", reason))
	})
}

// variableListener is a room-level websocket observer of variable updates,
// optionally filtered by name. It implements world.Transport.
type variableListener struct {
	conn     *websocket.Conn
	cfg      config.SessionConfig
	registry *world.Registry
	room     *world.Room
	logger   *zap.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newVariableListener(conn *websocket.Conn, cfg config.SessionConfig, registry *world.Registry, room *world.Room, logger *zap.Logger) *variableListener {
	return &variableListener{
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		room:     room,
		logger:   logger,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (l *variableListener) SendBatch(events []world.Event) error {
	data, err := encodeBatch(events)
	if err != nil {
		return err
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return errors.New("listener closed")
	default:
		l.Terminate("send buffer overflow")
		return ErrSendBufferFull
	}
}

func (l *variableListener) Terminate(string) {
	go l.teardown()
}

func (l *variableListener) run() {
	go func() {
		ticker := time.NewTicker(l.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case data := <-l.send:
				if err := l.writeMessage(data); err != nil {
					l.teardown()
					return
				}
			case <-ticker.C:
				if err := l.writeMessage(heartbeatFrame); err != nil {
					l.teardown()
					return
				}
			case <-l.done:
				return
			}
		}
	}()

	defer l.teardown()
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.LivenessTimeout)); err != nil {
			return
		}
		// Inbound frames are liveness only.
		if _, _, err := l.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (l *variableListener) writeMessage(data []byte) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *variableListener) teardown() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.room.RemoveVariableListener(l)
		l.registry.MaybeEvict(l.room.Key)
		_ = l.conn.Close()
	})
}
