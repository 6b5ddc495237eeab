package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

var (
	ErrNotFound  = errors.New("proposal not found")
	ErrInvalidID = errors.New("invalid proposal id")

	// ErrSourceNotRemoved means Move wrote the destination but the source
	// copy is still present.
	ErrSourceNotRemoved = errors.New("source copy not removed")
)

// Area is one of the three proposal storage areas.
type Area string

const (
	AreaPending  Area = "pending"
	AreaApproved Area = "approved"
	AreaRejected Area = "rejected"
)

// Areas lists areas in lookup order.
var Areas = []Area{AreaPending, AreaApproved, AreaRejected}

// Locations maps each area onto a backend-specific location (directory,
// key prefix).
type Locations struct {
	Pending  string `yaml:"pending"`
	Approved string `yaml:"approved"`
	Rejected string `yaml:"rejected"`
}

func (l Locations) For(area Area) string {
	switch area {
	case AreaApproved:
		return l.Approved
	case AreaRejected:
		return l.Rejected
	default:
		return l.Pending
	}
}

func (l Locations) Validate() error {
	if l.Pending == "" || l.Approved == "" || l.Rejected == "" {
		return fmt.Errorf("pending, approved and rejected locations required")
	}
	if l.Pending == l.Approved || l.Pending == l.Rejected || l.Approved == l.Rejected {
		return fmt.Errorf("proposal storage locations must be distinct")
	}
	return nil
}

// Store persists proposals, one document per identifier per area.
type Store interface {
	EnsureAreas(ctx context.Context) error
	Put(ctx context.Context, area Area, p *models.Proposal) error
	Get(ctx context.Context, area Area, id string) (*models.Proposal, error)
	// Delete is idempotent.
	Delete(ctx context.Context, area Area, id string) error
	List(ctx context.Context, area Area) ([]*models.Proposal, error)
	Ping(ctx context.Context) error
}

// Opener builds a store for the configured locations.
type Opener func(ctx context.Context, locations Locations) (Store, error)

// Move relocates a proposal by writing the destination before removing the
// source. A failure in between leaves a stale source copy; the destination
// is the authoritative one and the error wraps ErrSourceNotRemoved.
func Move(ctx context.Context, s Store, p *models.Proposal, from, to Area) error {
	if err := s.Put(ctx, to, p); err != nil {
		return fmt.Errorf("move %s to %s: %w", p.ID, to, err)
	}
	if from == to {
		return nil
	}
	if err := s.Delete(ctx, from, p.ID); err != nil {
		return fmt.Errorf("move %s: remove from %s: %w: %w", p.ID, from, ErrSourceNotRemoved, err)
	}
	return nil
}

// ValidateID rejects identifiers that could escape an area.
func ValidateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
