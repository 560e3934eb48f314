package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/resolver"
	"github.com/atrium-world/atrium/internal/world"
)

const testAdminToken = "test-token"

type stubResolver struct {
	meta resolver.Metadata
	err  error
}

func (s *stubResolver) Resolve(context.Context, string) (resolver.Metadata, error) {
	if s.err != nil {
		return resolver.Metadata{}, s.err
	}
	return s.meta, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *world.Registry) {
	t.Helper()
	registry := world.NewRegistry(
		&stubResolver{meta: resolver.Metadata{MapURL: "maps/lobby.json"}},
		nil,
		config.WorldConfig{CellSize: 320, MinDistance: 64, GroupRadius: 240, MaxPerGroup: 4},
		zap.NewNop(),
	)
	session := config.SessionConfig{
		// Long enough that heartbeats never interleave with assertions.
		HeartbeatInterval: time.Minute,
		LivenessTimeout:   2 * time.Minute,
		WriteTimeout:      5 * time.Second,
		SendBuffer:        32,
	}
	h := NewHandler(registry, nil, session, testAdminToken, zap.NewNop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialWS(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readFrame returns the next non-heartbeat frame.
func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type != "heartbeat" {
			return f
		}
	}
}

func readBatch(t *testing.T, conn *websocket.Conn) []wireFrame {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, "batch", f.Type)
	var subs []wireFrame
	require.NoError(t, json.Unmarshal(f.Payload, &subs))
	return subs
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]json.RawMessage{
		"type": json.RawMessage(`"` + frameType + `"`),
		"data": payload,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomKey, uuid, name string, x, y int32) []wireFrame {
	t.Helper()
	sendFrame(t, conn, "join", JoinMessage{
		RoomKey:  roomKey,
		UUID:     uuid,
		Name:     name,
		Position: world.Position{X: x, Y: y, Direction: world.DirectionDown},
	})
	return readBatch(t, conn)
}

func frameTypes(frames []wireFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestClientJoinAnswerAndEnterDelta(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialWS(t, srv, "/ws", nil)
	batch := joinRoom(t, alice, "atrium/lobby", "u-alice", "alice", 0, 0)
	require.Equal(t, "roomJoined", batch[0].Type)

	bob := dialWS(t, srv, "/ws", nil)
	bobBatch := joinRoom(t, bob, "atrium/lobby", "u-bob", "bob", 10, 10)
	assert.Contains(t, frameTypes(bobBatch), "roomJoined")
	assert.Contains(t, frameTypes(bobBatch), "userJoined", "join snapshot carries the cell's occupants")

	// Alice observes Bob entering her cell.
	aliceDelta := readBatch(t, alice)
	assert.Contains(t, frameTypes(aliceDelta), "userJoined")
}

func TestClientMoveFansOut(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialWS(t, srv, "/ws", nil)
	joinRoom(t, alice, "atrium/lobby", "u-alice", "alice", 0, 0)
	bob := dialWS(t, srv, "/ws", nil)
	joinRoom(t, bob, "atrium/lobby", "u-bob", "bob", 200, 200)
	readBatch(t, alice) // bob's enter

	sendFrame(t, bob, "move", MoveMessage{
		Position: world.Position{X: 210, Y: 210, Direction: world.DirectionRight, Moving: true},
	})

	delta := readBatch(t, alice)
	assert.Contains(t, frameTypes(delta), "userMoved")
}

func TestClientFirstFrameMustBeJoin(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	sendFrame(t, conn, "move", MoveMessage{})

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closes after a protocol violation")
}

func TestClientDuplicateJoinIsViolation(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	sendFrame(t, conn, "join", JoinMessage{RoomKey: "atrium/lobby", UUID: "u-alice", Name: "alice"})

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
}

func TestClientUnknownRoomRefused(t *testing.T) {
	registry := world.NewRegistry(
		&stubResolver{err: resolver.ErrNotFound},
		nil,
		config.WorldConfig{CellSize: 320, MinDistance: 64, GroupRadius: 240, MaxPerGroup: 4},
		zap.NewNop(),
	)
	session := config.SessionConfig{
		HeartbeatInterval: time.Minute,
		LivenessTimeout:   2 * time.Minute,
		WriteTimeout:      5 * time.Second,
		SendBuffer:        32,
	}
	srv := httptest.NewServer(NewHandler(registry, nil, session, testAdminToken, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "/ws", nil)
	sendFrame(t, conn, "join", JoinMessage{RoomKey: "atrium/missing", UUID: "u", Name: "alice"})

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
}

func TestClientQueryAnswer(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	sendFrame(t, conn, "query", QueryMessage{QueryID: 7, Kind: "roomStats"})

	f := readFrame(t, conn)
	require.Equal(t, "answer", f.Type)
	var answer struct {
		QueryID uint32 `json:"queryId"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &answer))
	assert.Equal(t, uint32(7), answer.QueryID)
}

// TestClientSurvivesSignalToDepartedReceiver: a receiver id can go stale
// between the sender's view of the room and delivery; that is answered with
// an error frame, not a closed connection.
func TestClientSurvivesSignalToDepartedReceiver(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	sendFrame(t, conn, "webrtcSignal", WebRTCSignalMessage{ReceiverID: 999, Signal: json.RawMessage(`{}`)})

	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)

	// The session is still serviceable.
	sendFrame(t, conn, "query", QueryMessage{QueryID: 3, Kind: "roomStats"})
	f = readFrame(t, conn)
	assert.Equal(t, "answer", f.Type)
}

// TestMalformedFrameUnderHeartbeatLoad exercises the terminal error frame
// while the write pump is busy with heartbeats on the same connection.
func TestMalformedFrameUnderHeartbeatLoad(t *testing.T) {
	registry := world.NewRegistry(
		&stubResolver{meta: resolver.Metadata{MapURL: "maps/lobby.json"}},
		nil,
		config.WorldConfig{CellSize: 320, MinDistance: 64, GroupRadius: 240, MaxPerGroup: 4},
		zap.NewNop(),
	)
	session := config.SessionConfig{
		HeartbeatInterval: time.Millisecond,
		LivenessTimeout:   2 * time.Minute,
		WriteTimeout:      5 * time.Second,
		SendBuffer:        32,
	}
	srv := httptest.NewServer(NewHandler(registry, nil, session, testAdminToken, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
}

func TestAdoptSessionRefusedAfterClose(t *testing.T) {
	c := &Client{done: make(chan struct{})}
	close(c.done)

	require.False(t, c.adoptSession(nil, nil))
	room, p := c.session()
	assert.Nil(t, room)
	assert.Nil(t, p)
}

func TestClientDisconnectRemovesParticipant(t *testing.T) {
	srv, registry := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)
	_, ok := registry.Get("atrium/lobby")
	require.True(t, ok)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, live := registry.Get("atrium/lobby")
		return !live
	}, 5*time.Second, 20*time.Millisecond, "empty room is evicted after the last session closes")
}

func adminReq(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/admin/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "unauthorized", apiErr.Code)
}

func TestAdminRoomListAndBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	resp := adminReq(t, srv, http.MethodGet, "/admin/rooms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []world.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "atrium/lobby", stats[0].Key)
	assert.Equal(t, 1, stats[0].Participants)

	resp = adminReq(t, srv, http.MethodPost, "/admin/broadcast", broadcastRequest{RoomKey: "atrium/lobby", Message: "maintenance at noon"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	batch := readBatch(t, conn)
	require.Contains(t, frameTypes(batch), "userMessage")
}

func TestAdminBanOverREST(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	resp := adminReq(t, srv, http.MethodPost, "/admin/ban", targetedRequest{
		RoomKey:    "atrium/lobby",
		TargetUUID: "u-alice",
		Message:    "rule violation",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	batch := readBatch(t, conn)
	require.Contains(t, frameTypes(batch), "userMessage")

	// The server closes the banned session.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestAdminChatPromptReachesRoom(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	resp := adminReq(t, srv, http.MethodPost, "/admin/chat-prompt", chatPromptRequest{
		RoomKey: "atrium/lobby",
		Message: "please join the town hall",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	batch := readBatch(t, conn)
	require.Contains(t, frameTypes(batch), "chatMessagePrompt")

	resp = adminReq(t, srv, http.MethodPost, "/admin/chat-prompt", chatPromptRequest{RoomKey: "atrium/closed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminStreamReplaysMembership(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	header := http.Header{"X-Admin-Token": []string{testAdminToken}}
	admin := dialWS(t, srv, "/admin/ws", header)
	require.NoError(t, admin.WriteJSON(subscribeMessage{Type: "subscribe", RoomKey: "atrium/lobby"}))

	batch := readBatch(t, admin)
	require.Contains(t, frameTypes(batch), "memberJoined")

	bob := dialWS(t, srv, "/ws", nil)
	joinRoom(t, bob, "atrium/lobby", "u-bob", "bob", 900, 900)

	batch = readBatch(t, admin)
	assert.Contains(t, frameTypes(batch), "memberJoined", "admins see joins regardless of distance")
}

func TestVariableRESTAndListen(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "/ws", nil)
	joinRoom(t, conn, "atrium/lobby", "u-alice", "alice", 0, 0)

	header := http.Header{"X-Admin-Token": []string{testAdminToken}}
	listener := dialWS(t, srv, "/admin/variables/listen?room=atrium%2Flobby&name=door", header)

	sendFrame(t, conn, "setVariable", SetVariableMessage{Name: "door", Value: json.RawMessage(`"open"`)})

	batch := readBatch(t, listener)
	require.Contains(t, frameTypes(batch), "variable")

	resp := adminReq(t, srv, http.MethodGet, "/admin/variables?room=atrium%2Flobby&name=door", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := json.Marshal(json.RawMessage(`"open"`))
	require.NoError(t, err)
	var got json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.JSONEq(t, string(raw), string(got))
}
