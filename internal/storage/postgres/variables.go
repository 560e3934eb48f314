package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrium-world/atrium/internal/world"
)

// maxVariableBytes bounds a single variable payload. Oversized writes are
// refused the same way as database-side data violations.
const maxVariableBytes = 16 * 1024

// Variable is a persisted room variable row.
type Variable struct {
	RoomKey   string
	Name      string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// ErrVariableNotFound is returned when a variable lookup yields no results.
var ErrVariableNotFound = errors.New("variable not found")

// VariableRepository provides room variable persistence. It implements
// world.VariableStore.
type VariableRepository struct {
	db *pgxpool.Pool
}

// NewVariableRepository creates a VariableRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewVariableRepository(db *pgxpool.Pool) *VariableRepository {
	return &VariableRepository{db: db}
}

// LoadAll returns every variable of the room.
//
// Postcondition: Returns an empty map, not nil, for a room with no variables.
func (r *VariableRepository) LoadAll(ctx context.Context, roomKey string) (map[string]json.RawMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name, value FROM room_variables WHERE room_key = $1`,
		roomKey,
	)
	if err != nil {
		return nil, fmt.Errorf("querying variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			name  string
			value json.RawMessage
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning variable: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading variables: %w", err)
	}
	return out, nil
}

// Save upserts one variable.
//
// Postcondition: A write refused on data or integrity grounds returns an
// error matching world.ErrVariableRejected.
func (r *VariableRepository) Save(ctx context.Context, roomKey, name string, value json.RawMessage) error {
	if len(value) > maxVariableBytes {
		return fmt.Errorf("variable %q exceeds %d bytes: %w", name, maxVariableBytes, world.ErrVariableRejected)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO room_variables (room_key, name, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_key, name)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		roomKey, name, value,
	)
	if err != nil {
		if isDataRuleError(err) {
			return fmt.Errorf("saving variable %q: %v: %w", name, err, world.ErrVariableRejected)
		}
		return fmt.Errorf("saving variable %q: %w", name, err)
	}
	return nil
}

// Get retrieves one variable row.
//
// Postcondition: Returns ErrVariableNotFound when the variable doesn't exist.
func (r *VariableRepository) Get(ctx context.Context, roomKey, name string) (Variable, error) {
	var v Variable
	err := r.db.QueryRow(ctx,
		`SELECT room_key, name, value, updated_at
		 FROM room_variables WHERE room_key = $1 AND name = $2`,
		roomKey, name,
	).Scan(&v.RoomKey, &v.Name, &v.Value, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variable{}, ErrVariableNotFound
		}
		return Variable{}, fmt.Errorf("querying variable %q: %w", name, err)
	}
	return v, nil
}

// Delete removes one variable. Deleting a missing variable is a no-op.
func (r *VariableRepository) Delete(ctx context.Context, roomKey, name string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM room_variables WHERE room_key = $1 AND name = $2`,
		roomKey, name,
	); err != nil {
		return fmt.Errorf("deleting variable %q: %w", name, err)
	}
	return nil
}
