package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// PGStore keeps proposals in one table; the area column selects the area.
// Locations are not used.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureAreas(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS support_proposals (
			id TEXT NOT NULL,
			area TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (id, area)
		)
	`)
	if err != nil {
		return fmt.Errorf("create support_proposals: %w", err)
	}
	return nil
}

func (s *PGStore) Put(ctx context.Context, area Area, p *models.Proposal) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO support_proposals (id, area, status, category, risk_level, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (id, area) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()
	`, p.ID, string(area), string(p.Status), string(p.Category), string(p.RiskLevel), payload, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, area Area, id string) (*models.Proposal, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM support_proposals WHERE id = $1 AND area = $2`, id, string(area)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal %s: %w", id, err)
	}
	var p models.Proposal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode proposal %s: %w", id, err)
	}
	return &p, nil
}

func (s *PGStore) Delete(ctx context.Context, area Area, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM support_proposals WHERE id = $1 AND area = $2`, id, string(area)); err != nil {
		return fmt.Errorf("delete proposal %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, area Area) ([]*models.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM support_proposals WHERE area = $1 ORDER BY created_at, id`, string(area))
	if err != nil {
		return nil, fmt.Errorf("list %s proposals: %w", area, err)
	}
	defer rows.Close()

	var out []*models.Proposal
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p models.Proposal
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode proposal: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Store = (*PGStore)(nil)
