package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// DirectModelAccess gates every outbound model invocation.
const DirectModelAccess = "direct_model_access"

// Store answers whether a named feature flag is on.
type Store interface {
	Enabled(ctx context.Context, name string) (bool, error)
}

// MemoryStore is an in-process flag table. Unknown flags are off.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]bool
}

func NewMemoryStore(initial map[string]bool) *MemoryStore {
	values := make(map[string]bool, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

func (m *MemoryStore) Enabled(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[name], nil
}

func (m *MemoryStore) Set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = enabled
}

// PGStore reads flags from the feature_flags table. Rows that do not exist
// fall back to the defaults map.
type PGStore struct {
	db       *sql.DB
	defaults map[string]bool
}

func NewPGStore(db *sql.DB, defaults map[string]bool) *PGStore {
	return &PGStore{db: db, defaults: defaults}
}

func (s *PGStore) Enabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM feature_flags WHERE name = $1`, name).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaults[name], nil
	}
	if err != nil {
		return false, fmt.Errorf("flag %s: %w", name, err)
	}
	return enabled, nil
}

func (s *PGStore) Set(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (name, enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`, name, enabled)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feature_flags (
			name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PGStore)(nil)
)
