package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VariableStore persists named room variables. Values are opaque serialized
// payloads round-tripped byte-for-byte. Implemented by the Postgres
// repository; nil in degraded deployments.
type VariableStore interface {
	// LoadAll returns every variable of the room.
	LoadAll(ctx context.Context, roomKey string) (map[string]json.RawMessage, error)
	// Save upserts one variable. A write refused by data/consistency rules
	// must return an error matching ErrVariableRejected via errors.Is.
	Save(ctx context.Context, roomKey string, name string, value json.RawMessage) error
}

// variableManager owns a room's variable cache and the bounded
// reload-and-retry policy for rejected writes. Guarded by the Room's lock.
type variableManager struct {
	store   VariableStore
	roomKey string
	guard   time.Duration
	logger  *zap.Logger

	cache map[string]json.RawMessage
	// lastReload is the zero time until the first guard-triggered reload,
	// so the first rejected write always gets its retry.
	lastReload time.Time

	// onReload invalidates sibling caches (map content) alongside the
	// variable cache.
	onReload func()

	now func() time.Time
}

func newVariableManager(store VariableStore, roomKey string, guard time.Duration, logger *zap.Logger, onReload func()) *variableManager {
	return &variableManager{
		store:    store,
		roomKey:  roomKey,
		guard:    guard,
		logger:   logger,
		cache:    make(map[string]json.RawMessage),
		onReload: onReload,
		now:      time.Now,
	}
}

// load primes the cache from the store. Called once at room creation.
func (v *variableManager) load(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	vars, err := v.store.LoadAll(ctx, v.roomKey)
	if err != nil {
		return fmt.Errorf("loading variables for room %q: %w", v.roomKey, err)
	}
	if vars != nil {
		v.cache = vars
	}
	return nil
}

// get returns the cached value and whether it exists.
func (v *variableManager) get(name string) (json.RawMessage, bool) {
	val, ok := v.cache[name]
	return val, ok
}

// all returns a copy of the cached variables.
func (v *variableManager) all() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(v.cache))
	for k, val := range v.cache {
		out[k] = val
	}
	return out
}

// set writes a variable through the store. A write rejected on
// data/consistency grounds triggers one cache invalidation and retry, but
// only when the previous reload is older than the guard interval; a reload
// storm from a misbehaving client is capped to one reload per interval and
// the rejection propagates to the caller instead.
func (v *variableManager) set(ctx context.Context, name string, value json.RawMessage) error {
	if v.store == nil {
		// No store: the room still shares state, it just will not survive
		// a restart.
		v.cache[name] = value
		return nil
	}

	err := v.store.Save(ctx, v.roomKey, name, value)
	if err == nil {
		v.cache[name] = value
		return nil
	}
	if !errors.Is(err, ErrVariableRejected) {
		return fmt.Errorf("saving variable %q: %w", name, err)
	}
	if v.now().Sub(v.lastReload) <= v.guard {
		return fmt.Errorf("saving variable %q: %w", name, err)
	}

	v.logger.Warn("variable write rejected, reloading caches and retrying once",
		zap.String("variable", name),
		zap.Error(err),
	)
	v.reload(ctx)

	if err := v.store.Save(ctx, v.roomKey, name, value); err != nil {
		return fmt.Errorf("saving variable %q after reload: %w", name, err)
	}
	v.cache[name] = value
	return nil
}

// reload re-fetches the variable cache and invalidates sibling caches.
func (v *variableManager) reload(ctx context.Context) {
	v.lastReload = v.now()
	if v.onReload != nil {
		v.onReload()
	}
	vars, err := v.store.LoadAll(ctx, v.roomKey)
	if err != nil {
		v.logger.Error("reloading variables failed, keeping stale cache",
			zap.Error(err),
		)
		return
	}
	v.cache = vars
}
