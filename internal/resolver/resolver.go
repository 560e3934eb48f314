// Package resolver turns room keys into room metadata. Resolution is the
// only outward dependency of room admission: when it cannot be reached the
// registry opens rooms in a degraded mode instead of refusing joins.
package resolver

import (
	"context"
	"errors"
)

// Metadata is the resolved description of a room.
type Metadata struct {
	// MapURL points at the map definition the clients should load.
	MapURL string `json:"mapUrl" yaml:"mapUrl"`
	// Group is an optional grouping label used by the admin surface.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
	// Editable reports whether map-edit commands are accepted in the room.
	Editable bool `json:"editable,omitempty" yaml:"editable,omitempty"`
	// Persist reports whether room variables should be persisted.
	Persist bool `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// ErrNotFound reports that the room key does not exist. Joins to such a
// room must be refused.
var ErrNotFound = errors.New("room not found")

// ErrUnavailable reports that the resolver could not be reached. The room
// may still open in degraded mode.
var ErrUnavailable = errors.New("resolver unavailable")

// Resolver resolves a room key into metadata.
type Resolver interface {
	// Resolve returns the metadata for the given room key.
	//
	// Precondition: roomKey must be non-empty.
	Resolve(ctx context.Context, roomKey string) (Metadata, error)
}
