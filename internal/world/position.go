package world

import (
	"math"

	"github.com/atrium-world/atrium/internal/zone"
)

// Direction is the facing direction of a participant.
type Direction string

// Facing directions, matching the wire protocol values.
const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Valid reports whether d is one of the four facing directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
		return true
	}
	return false
}

// Position is a participant's location and movement state in world units.
type Position struct {
	X         int32     `json:"x"`
	Y         int32     `json:"y"`
	Direction Direction `json:"direction"`
	Moving    bool      `json:"moving"`
}

// Point returns the spatial coordinates for zone indexing.
func (p Position) Point() zone.Point {
	return zone.Point{X: p.X, Y: p.Y}
}

// distance returns the Euclidean distance between two points.
func distance(a, b zone.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}
