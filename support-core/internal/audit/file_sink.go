package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ILLUVRSE/supportops/support-core/internal/canonical"
)

const headFile = "head.hash"

// FileSink archives events as JSON files and keeps a head.hash file holding
// the latest chain hash. Each hash covers the canonical event body followed
// by the previous hash.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Append(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	canon, err := canonical.Marshal(ev.body())
	if err != nil {
		return fmt.Errorf("canonicalize event: %w", err)
	}
	prev := f.readHead()
	hash, err := canonical.Chain(canon, prev)
	if err != nil {
		return err
	}
	ev.PrevHash = prev
	ev.Hash = hash

	b, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.eventPath(ev.ID), b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, headFile), []byte(hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

func (f *FileSink) eventPath(id string) string {
	return filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", id))
}

func (f *FileSink) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, headFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Head returns the latest chain hash, empty when nothing was appended.
func (f *FileSink) Head() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readHead()
}

func (f *FileSink) Get(id string) (*Event, error) {
	b, err := os.ReadFile(f.eventPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Verify walks the chain from its root to head.hash, recomputing each hash.
// It returns the number of verified events.
func (f *FileSink) Verify(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(f.dir, "audit_*.json"))
	if err != nil {
		return 0, err
	}
	byPrev := make(map[string]*Event, len(matches))
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		if _, dup := byPrev[ev.PrevHash]; dup {
			return 0, fmt.Errorf("chain fork at prevHash %q", ev.PrevHash)
		}
		byPrev[ev.PrevHash] = &ev
	}

	prev := ""
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		ev, ok := byPrev[prev]
		if !ok {
			break
		}
		canon, err := canonical.Marshal(ev.body())
		if err != nil {
			return count, err
		}
		want, err := canonical.Chain(canon, prev)
		if err != nil {
			return count, err
		}
		if want != ev.Hash {
			return count, fmt.Errorf("hash mismatch for event %s", ev.ID)
		}
		prev = ev.Hash
		count++
	}
	if count != len(byPrev) {
		return count, fmt.Errorf("%d events are not reachable from the chain root", len(byPrev)-count)
	}
	if head := f.readHead(); head != prev {
		return count, fmt.Errorf("head.hash %q does not match chain tip %q", head, prev)
	}
	return count, nil
}

var _ Sink = (*FileSink)(nil)
