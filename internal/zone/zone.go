// Package zone provides the spatial cell index that limits broadcast fan-out.
//
// A room's 2-D plane is partitioned into fixed-size square cells. Each cell
// tracks the observers registered against it and the movables (participants
// and groups) whose last known position falls inside it. Crossing a cell
// boundary produces paired enter/leave deltas so that an observer's view of
// a movable is always bracketed by exactly one enter and one leave.
package zone

// Point is a position in world units.
type Point struct {
	X int32
	Y int32
}

// CellKey identifies a cell by its integer cell coordinates.
type CellKey struct {
	X int32
	Y int32
}

// Movable is an entity tracked by the index. Both participants and groups
// are movables; a group's position is its centroid.
type Movable interface {
	// ZoneKey returns a stable identifier, unique across all movables in
	// the room (e.g. "user-42", "group-7").
	ZoneKey() string
	// ZonePoint returns the movable's current position.
	ZonePoint() Point
}

// Observer receives cell-scoped deltas. The index guarantees that for any
// observer-movable pair, OnZoneEnter precedes any OnZoneMove or OnZoneLeave,
// and enters and leaves alternate.
type Observer interface {
	OnZoneEnter(m Movable)
	OnZoneMove(m Movable)
	OnZoneLeave(m Movable)
	// OnZoneEmote delivers an out-of-band emote from a movable in an
	// observed cell. Does not affect membership.
	OnZoneEmote(m Movable, emote string)
	// OnZoneGroupLock delivers a group lock state change from an observed
	// cell. Does not affect membership.
	OnZoneGroupLock(groupID uint32, locked bool)
}

type cell struct {
	observers map[Observer]struct{}
	movables  map[string]Movable
}

func newCell() *cell {
	return &cell{
		observers: make(map[Observer]struct{}),
		movables:  make(map[string]Movable),
	}
}

func (c *cell) empty() bool {
	return len(c.observers) == 0 && len(c.movables) == 0
}

// Index is the spatial cell index for one room. It is not safe for
// concurrent use; the owning room serializes access.
type Index struct {
	cellSize int32
	cells    map[CellKey]*cell
	// last maps a movable key to the cell holding it. A movable appears in
	// exactly one cell's movable set at a time.
	last map[string]CellKey
}

// NewIndex creates an index with the given cell edge length.
//
// Precondition: cellSize must be >= 1.
func NewIndex(cellSize int32) *Index {
	return &Index{
		cellSize: cellSize,
		cells:    make(map[CellKey]*cell),
		last:     make(map[string]CellKey),
	}
}

// CellOf returns the cell key containing the given point.
func (i *Index) CellOf(p Point) CellKey {
	return CellKey{X: floorDiv(p.X, i.cellSize), Y: floorDiv(p.Y, i.cellSize)}
}

// floorDiv divides rounding toward negative infinity so that negative
// coordinates map to their own cells instead of sharing cell zero.
func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (i *Index) cellAt(key CellKey) *cell {
	c, ok := i.cells[key]
	if !ok {
		c = newCell()
		i.cells[key] = c
	}
	return c
}

func (i *Index) dropIfEmpty(key CellKey) {
	if c, ok := i.cells[key]; ok && c.empty() {
		delete(i.cells, key)
	}
}

// AddListener registers obs against the cell containing (x, y) and returns
// every movable currently indexed in that cell, so the observer can
// initialize its view without racing subsequent deltas.
//
// Postcondition: obs receives future deltas for that cell until removed.
func (i *Index) AddListener(obs Observer, p Point) []Movable {
	key := i.CellOf(p)
	c := i.cellAt(key)
	c.observers[obs] = struct{}{}

	snapshot := make([]Movable, 0, len(c.movables))
	for _, m := range c.movables {
		snapshot = append(snapshot, m)
	}
	return snapshot
}

// RemoveListener unregisters obs from the cell containing (x, y).
// Removing an unregistered listener is a no-op, not an error.
func (i *Index) RemoveListener(obs Observer, p Point) {
	key := i.CellOf(p)
	c, ok := i.cells[key]
	if !ok {
		return
	}
	delete(c.observers, obs)
	i.dropIfEmpty(key)
}

// MoveListener relocates obs from the cell containing old to the cell
// containing new. The observer is told to forget every movable of the old
// cell (OnZoneLeave) and shown every movable of the new cell (OnZoneEnter),
// preserving the enter/leave pairing across the relocation. Same-cell moves
// are a no-op.
func (i *Index) MoveListener(obs Observer, old, new Point) {
	oldKey, newKey := i.CellOf(old), i.CellOf(new)
	if oldKey == newKey {
		return
	}

	if c, ok := i.cells[oldKey]; ok {
		delete(c.observers, obs)
		for _, m := range c.movables {
			obs.OnZoneLeave(m)
		}
		i.dropIfEmpty(oldKey)
	}

	c := i.cellAt(newKey)
	c.observers[obs] = struct{}{}
	for _, m := range c.movables {
		obs.OnZoneEnter(m)
	}
}

// UpdatePosition reindexes m at its new position. Within one cell a "move"
// delta is emitted; across cells a "leave" goes to the old cell's observers
// and an "enter" to the new cell's. The index keeps its own record of each
// movable's previous cell, so callers only supply the new position. A
// movable not yet tracked is inserted and announced with an "enter".
func (i *Index) UpdatePosition(m Movable, new Point) {
	newKey := i.CellOf(new)

	oldKey, tracked := i.last[m.ZoneKey()]
	if !tracked {
		i.insert(m, newKey)
		return
	}

	if oldKey == newKey {
		if c, ok := i.cells[oldKey]; ok {
			for obs := range c.observers {
				obs.OnZoneMove(m)
			}
		}
		return
	}

	if c, ok := i.cells[oldKey]; ok {
		delete(c.movables, m.ZoneKey())
		for obs := range c.observers {
			obs.OnZoneLeave(m)
		}
		i.dropIfEmpty(oldKey)
	}
	i.insert(m, newKey)
}

func (i *Index) insert(m Movable, key CellKey) {
	c := i.cellAt(key)
	c.movables[m.ZoneKey()] = m
	i.last[m.ZoneKey()] = key
	for obs := range c.observers {
		obs.OnZoneEnter(m)
	}
}

// Remove drops m from the index, emitting exactly one "leave" to the
// observers of its last cell. Removing an untracked movable is a no-op.
func (i *Index) Remove(m Movable) {
	key, tracked := i.last[m.ZoneKey()]
	if !tracked {
		return
	}
	delete(i.last, m.ZoneKey())
	c, ok := i.cells[key]
	if !ok {
		return
	}
	delete(c.movables, m.ZoneKey())
	for obs := range c.observers {
		obs.OnZoneLeave(m)
	}
	i.dropIfEmpty(key)
}

// EmitEmote routes an emote to the observers of m's current cell without
// touching membership.
func (i *Index) EmitEmote(m Movable, emote string) {
	i.emit(m, func(obs Observer) { obs.OnZoneEmote(m, emote) })
}

// EmitGroupLock routes a group lock change to the observers of m's current
// cell without touching membership.
//
// Precondition: m is the group whose lock state changed.
func (i *Index) EmitGroupLock(m Movable, groupID uint32, locked bool) {
	i.emit(m, func(obs Observer) { obs.OnZoneGroupLock(groupID, locked) })
}

func (i *Index) emit(m Movable, deliver func(Observer)) {
	key, tracked := i.last[m.ZoneKey()]
	if !tracked {
		return
	}
	c, ok := i.cells[key]
	if !ok {
		return
	}
	for obs := range c.observers {
		deliver(obs)
	}
}

// MovablesAt returns the movables currently indexed in the cell containing p.
func (i *Index) MovablesAt(p Point) []Movable {
	c, ok := i.cells[i.CellOf(p)]
	if !ok {
		return nil
	}
	out := make([]Movable, 0, len(c.movables))
	for _, m := range c.movables {
		out = append(out, m)
	}
	return out
}

// Tracked reports whether m is currently indexed.
func (i *Index) Tracked(m Movable) bool {
	_, ok := i.last[m.ZoneKey()]
	return ok
}
