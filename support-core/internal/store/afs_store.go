package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// AFSStore keeps each proposal as <location>/<id>.json on any afs-backed
// filesystem (local paths, mem://, cloud URLs).
type AFSStore struct {
	fs        afs.Service
	locations Locations
}

func NewAFSStore(fs afs.Service, locations Locations) (*AFSStore, error) {
	if err := locations.Validate(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afs.New()
	}
	normalized := Locations{
		Pending:  url.Normalize(locations.Pending, file.Scheme),
		Approved: url.Normalize(locations.Approved, file.Scheme),
		Rejected: url.Normalize(locations.Rejected, file.Scheme),
	}
	return &AFSStore{fs: fs, locations: normalized}, nil
}

// OpenAFS is the default Opener.
func OpenAFS(ctx context.Context, locations Locations) (Store, error) {
	return NewAFSStore(afs.New(), locations)
}

func (s *AFSStore) EnsureAreas(ctx context.Context) error {
	for _, area := range Areas {
		dir := s.locations.For(area)
		exists, err := s.fs.Exists(ctx, dir)
		if err != nil {
			return fmt.Errorf("check %s area: %w", area, err)
		}
		if exists {
			continue
		}
		if err := s.fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return fmt.Errorf("create %s area: %w", area, err)
		}
	}
	return nil
}

func (s *AFSStore) proposalPath(area Area, id string) string {
	return url.Join(s.locations.For(area), id+".json")
}

func (s *AFSStore) Put(ctx context.Context, area Area, p *models.Proposal) error {
	if p == nil {
		return fmt.Errorf("cannot store nil proposal")
	}
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proposal %s: %w", p.ID, err)
	}
	target := s.proposalPath(area, p.ID)
	if err := s.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write proposal %s: %w", target, err)
	}
	return nil
}

func (s *AFSStore) Get(ctx context.Context, area Area, id string) (*models.Proposal, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	target := s.proposalPath(area, id)
	exists, err := s.fs.Exists(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("check proposal %s: %w", target, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("read proposal %s: %w", target, err)
	}
	var p models.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proposal %s: %w", target, err)
	}
	return &p, nil
}

func (s *AFSStore) Delete(ctx context.Context, area Area, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	target := s.proposalPath(area, id)
	exists, err := s.fs.Exists(ctx, target)
	if err != nil {
		return fmt.Errorf("check proposal %s: %w", target, err)
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, target); err != nil {
		return fmt.Errorf("delete proposal %s: %w", target, err)
	}
	return nil
}

func (s *AFSStore) List(ctx context.Context, area Area) ([]*models.Proposal, error) {
	dir := s.locations.For(area)
	objects, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s area: %w", area, err)
	}
	var out []*models.Proposal
	for _, obj := range objects {
		if obj.IsDir() || !strings.HasSuffix(obj.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, obj)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.URL(), err)
		}
		var p models.Proposal
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", obj.URL(), err)
		}
		out = append(out, &p)
	}
	sortByCreated(out)
	return out, nil
}

func (s *AFSStore) Ping(ctx context.Context) error {
	_, err := s.fs.Exists(ctx, s.locations.Pending)
	return err
}

func sortByCreated(ps []*models.Proposal) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

var _ Store = (*AFSStore)(nil)
