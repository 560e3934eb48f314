package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atrium-world/atrium/internal/config"
	"github.com/atrium-world/atrium/internal/observability"
	"github.com/atrium-world/atrium/internal/resolver"
)

// Registry is the process-wide table of live rooms. Rooms are created on
// first use, shared by every session targeting the same key, and reclaimed
// when their last observer disconnects.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// flight collapses concurrent resolutions of the same key into one
	// resolver call.
	flight singleflight.Group

	res    resolver.Resolver
	store  VariableStore
	cfg    config.WorldConfig
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
//
// Precondition: res and logger must be non-nil. store may be nil when
// persistence is disabled.
func NewRegistry(res resolver.Resolver, store VariableStore, cfg config.WorldConfig, logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		res:    res,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// GetOrCreate returns the live room for the key, resolving and creating it
// if needed. Concurrent callers for the same key share one resolution; no
// caller ever observes a second room instance for a key that already has
// one.
//
// A resolver that cannot be reached yields a degraded room rather than an
// error; an unknown key fails with resolver.ErrNotFound.
func (reg *Registry) GetOrCreate(ctx context.Context, roomKey string) (*Room, error) {
	if roomKey == "" {
		return nil, fmt.Errorf("room key must not be empty")
	}

	reg.mu.Lock()
	if room, ok := reg.rooms[roomKey]; ok {
		reg.mu.Unlock()
		return room, nil
	}
	reg.mu.Unlock()

	v, err, _ := reg.flight.Do(roomKey, func() (interface{}, error) {
		// Re-check: a previous flight may have landed between the fast
		// path and Do.
		reg.mu.Lock()
		if room, ok := reg.rooms[roomKey]; ok {
			reg.mu.Unlock()
			return room, nil
		}
		reg.mu.Unlock()

		room, err := reg.create(ctx, roomKey)
		if err != nil {
			return nil, err
		}

		reg.mu.Lock()
		reg.rooms[roomKey] = room
		reg.mu.Unlock()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (reg *Registry) create(ctx context.Context, roomKey string) (*Room, error) {
	meta, err := reg.res.Resolve(ctx, roomKey)
	degraded := false
	switch {
	case err == nil:
	case errors.Is(err, resolver.ErrUnavailable):
		reg.logger.Warn("opening room in degraded mode", zap.String("roomKey", roomKey), zap.Error(err))
		degraded = true
		meta = resolver.Metadata{}
	default:
		return nil, err
	}

	store := reg.store
	if degraded || !meta.Persist {
		store = nil
	}

	room := NewRoom(roomKey, meta, reg.cfg, store, degraded, observability.RoomLogger(reg.logger, roomKey))
	if err := room.loadVariables(ctx); err != nil {
		// A cold cache is survivable; losing the room is not.
		reg.logger.Error("priming variable cache", zap.String("roomKey", roomKey), zap.Error(err))
	}

	reg.logger.Info("room opened",
		zap.String("roomKey", roomKey),
		zap.Bool("degraded", degraded),
	)
	return room, nil
}

// Get returns the live room for the key without creating one.
func (reg *Registry) Get(roomKey string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomKey]
	return room, ok
}

// MaybeEvict reclaims the room if it has no participants or observers left.
// Safe to call after every session teardown; a busy room is left alone.
func (reg *Registry) MaybeEvict(roomKey string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomKey]
	if !ok || !room.IsEmpty() {
		return
	}
	delete(reg.rooms, roomKey)
	reg.logger.Info("room evicted", zap.String("roomKey", roomKey))
}

// Snapshot lists the live rooms for the admin surface, sorted by key.
func (reg *Registry) Snapshot() []Stats {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	stats := make([]Stats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, room.Snapshot())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// BroadcastAll delivers an event to every participant of every live room.
// Backs deployment-wide admin notices.
func (reg *Registry) BroadcastAll(ev Event) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.Broadcast(ev)
	}
}
