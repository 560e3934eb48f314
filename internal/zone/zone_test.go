package zone

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testMovable struct {
	key string
	pos Point
}

func (m *testMovable) ZoneKey() string { return m.key }
func (m *testMovable) ZonePoint() Point {
	return m.pos
}

type event struct {
	kind string // enter, move, leave, emote, lock
	key  string
}

type recordingObserver struct {
	events []event
}

func (o *recordingObserver) OnZoneEnter(m Movable) {
	o.events = append(o.events, event{"enter", m.ZoneKey()})
}
func (o *recordingObserver) OnZoneMove(m Movable) {
	o.events = append(o.events, event{"move", m.ZoneKey()})
}
func (o *recordingObserver) OnZoneLeave(m Movable) {
	o.events = append(o.events, event{"leave", m.ZoneKey()})
}
func (o *recordingObserver) OnZoneEmote(m Movable, emote string) {
	o.events = append(o.events, event{"emote", m.ZoneKey()})
}
func (o *recordingObserver) OnZoneGroupLock(groupID uint32, locked bool) {
	o.events = append(o.events, event{"lock", fmt.Sprintf("group-%d", groupID)})
}

func (o *recordingObserver) byKind(kind string) []event {
	var out []event
	for _, e := range o.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestAddListener_EmptyCellReturnsEmptySnapshot(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}

	snapshot := idx.AddListener(obs, Point{X: 10, Y: 10})
	assert.Empty(t, snapshot)

	// A movable entering that cell afterwards produces exactly one enter.
	m := &testMovable{key: "user-1", pos: Point{X: 20, Y: 20}}
	idx.UpdatePosition(m, m.pos)

	require.Len(t, obs.byKind("enter"), 1)
	assert.Equal(t, "user-1", obs.events[0].key)
}

func TestAddListener_SnapshotContainsExistingMovables(t *testing.T) {
	idx := NewIndex(320)
	m := &testMovable{key: "user-1", pos: Point{X: 50, Y: 50}}
	idx.UpdatePosition(m, m.pos)

	obs := &recordingObserver{}
	snapshot := idx.AddListener(obs, Point{X: 0, Y: 0})
	require.Len(t, snapshot, 1)
	assert.Equal(t, "user-1", snapshot[0].ZoneKey())
	// Snapshot replaces the enter delta; no event was emitted.
	assert.Empty(t, obs.events)
}

func TestRemoveListener_IdempotentNoOp(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}

	// Removing a listener that was never added must not panic or error.
	idx.RemoveListener(obs, Point{X: 0, Y: 0})

	idx.AddListener(obs, Point{X: 0, Y: 0})
	idx.RemoveListener(obs, Point{X: 0, Y: 0})
	idx.RemoveListener(obs, Point{X: 0, Y: 0})

	m := &testMovable{key: "user-1", pos: Point{X: 5, Y: 5}}
	idx.UpdatePosition(m, m.pos)
	assert.Empty(t, obs.events, "removed listener must receive nothing")
}

func TestUpdatePosition_SameCellEmitsMove(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}
	idx.AddListener(obs, Point{X: 0, Y: 0})

	m := &testMovable{key: "user-1", pos: Point{X: 10, Y: 10}}
	idx.UpdatePosition(m, m.pos)
	m.pos = Point{X: 30, Y: 40}
	idx.UpdatePosition(m, m.pos)

	require.Len(t, obs.events, 2)
	assert.Equal(t, "enter", obs.events[0].kind)
	assert.Equal(t, "move", obs.events[1].kind)
}

func TestUpdatePosition_CrossCellEmitsLeaveThenEnter(t *testing.T) {
	idx := NewIndex(320)
	oldObs := &recordingObserver{}
	newObs := &recordingObserver{}
	idx.AddListener(oldObs, Point{X: 0, Y: 0})
	idx.AddListener(newObs, Point{X: 400, Y: 0})

	m := &testMovable{key: "user-1", pos: Point{X: 10, Y: 10}}
	idx.UpdatePosition(m, m.pos)
	m.pos = Point{X: 410, Y: 10}
	idx.UpdatePosition(m, m.pos)

	require.Len(t, oldObs.events, 2)
	assert.Equal(t, "enter", oldObs.events[0].kind)
	assert.Equal(t, "leave", oldObs.events[1].kind)

	require.Len(t, newObs.events, 1)
	assert.Equal(t, "enter", newObs.events[0].kind)
}

func TestRemove_EmitsExactlyOneLeaveToLastCell(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}
	idx.AddListener(obs, Point{X: 0, Y: 0})

	m := &testMovable{key: "user-1", pos: Point{X: 10, Y: 10}}
	idx.UpdatePosition(m, m.pos)
	idx.Remove(m)
	idx.Remove(m) // idempotent

	assert.Len(t, obs.byKind("leave"), 1)
	assert.False(t, idx.Tracked(m))
	assert.Empty(t, idx.MovablesAt(Point{X: 10, Y: 10}))
}

func TestMoveListener_PairsLeavesAndEnters(t *testing.T) {
	idx := NewIndex(320)

	a := &testMovable{key: "user-a", pos: Point{X: 10, Y: 10}}
	b := &testMovable{key: "user-b", pos: Point{X: 500, Y: 10}}
	idx.UpdatePosition(a, a.pos)
	idx.UpdatePosition(b, b.pos)

	obs := &recordingObserver{}
	snapshot := idx.AddListener(obs, Point{X: 0, Y: 0})
	require.Len(t, snapshot, 1)

	idx.MoveListener(obs, Point{X: 0, Y: 0}, Point{X: 500, Y: 10})

	// Forgot a (leave), shown b (enter).
	require.Len(t, obs.events, 2)
	assert.Equal(t, event{"leave", "user-a"}, obs.events[0])
	assert.Equal(t, event{"enter", "user-b"}, obs.events[1])
}

func TestMoveListener_SameCellNoOp(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}
	idx.AddListener(obs, Point{X: 0, Y: 0})
	idx.MoveListener(obs, Point{X: 0, Y: 0}, Point{X: 319, Y: 319})
	assert.Empty(t, obs.events)
}

func TestEmitEmote_RoutedToCellObserversOnly(t *testing.T) {
	idx := NewIndex(320)
	near := &recordingObserver{}
	far := &recordingObserver{}
	idx.AddListener(near, Point{X: 0, Y: 0})
	idx.AddListener(far, Point{X: 1000, Y: 1000})

	m := &testMovable{key: "user-1", pos: Point{X: 10, Y: 10}}
	idx.UpdatePosition(m, m.pos)
	idx.EmitEmote(m, "wave")

	assert.Len(t, near.byKind("emote"), 1)
	assert.Empty(t, far.byKind("emote"))
	// Emotes do not affect membership.
	assert.Len(t, idx.MovablesAt(Point{X: 10, Y: 10}), 1)
}

func TestEmitGroupLock_RoutedToCellObservers(t *testing.T) {
	idx := NewIndex(320)
	obs := &recordingObserver{}
	idx.AddListener(obs, Point{X: 0, Y: 0})

	g := &testMovable{key: "group-7", pos: Point{X: 100, Y: 100}}
	idx.UpdatePosition(g, g.pos)
	idx.EmitGroupLock(g, 7, true)

	require.Len(t, obs.byKind("lock"), 1)
	assert.Equal(t, "group-7", obs.byKind("lock")[0].key)
}

func TestCellOf_NegativeCoordinates(t *testing.T) {
	idx := NewIndex(320)
	assert.Equal(t, CellKey{X: -1, Y: -1}, idx.CellOf(Point{X: -1, Y: -1}))
	assert.Equal(t, CellKey{X: 0, Y: 0}, idx.CellOf(Point{X: 0, Y: 0}))
	assert.Equal(t, CellKey{X: -1, Y: 0}, idx.CellOf(Point{X: -320, Y: 319}))
	assert.Equal(t, CellKey{X: -2, Y: 1}, idx.CellOf(Point{X: -321, Y: 320}))
}

// TestDeltaPairing_Property drives a movable through a random walk and checks
// that a fixed observer sees strictly alternating enter/leave deltas, starting
// with an enter, with moves only while entered.
func TestDeltaPairing_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		idx := NewIndex(320)
		obs := &recordingObserver{}
		idx.AddListener(obs, Point{X: 0, Y: 0})

		m := &testMovable{key: "user-1"}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			m.pos = Point{
				X: int32(rapid.IntRange(-800, 800).Draw(t, "x")),
				Y: int32(rapid.IntRange(-800, 800).Draw(t, "y")),
			}
			idx.UpdatePosition(m, m.pos)
		}
		idx.Remove(m)

		entered := false
		for _, e := range obs.events {
			switch e.kind {
			case "enter":
				if entered {
					t.Fatalf("duplicate enter without intervening leave: %v", obs.events)
				}
				entered = true
			case "leave":
				if !entered {
					t.Fatalf("leave without prior enter: %v", obs.events)
				}
				entered = false
			case "move":
				if !entered {
					t.Fatalf("move for a movable never shown as entered: %v", obs.events)
				}
			}
		}
		if entered {
			t.Fatalf("movable removed but observer never saw the final leave: %v", obs.events)
		}
	})
}
