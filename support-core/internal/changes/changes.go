// Package changes parses and generates the unified diffs attached to
// change proposals.
package changes

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

var ErrInvalidDiff = errors.New("invalid unified diff")

// Summary is the parsed shape of a multi-file unified diff.
type Summary struct {
	Files []string
	Stats models.DiffStats
}

// Parse reads a unified diff and reports touched files and line counts.
// An empty diff yields an empty summary.
func Parse(text string) (Summary, error) {
	if strings.TrimSpace(text) == "" {
		return Summary{}, nil
	}
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidDiff, err)
	}
	if len(fds) == 0 {
		return Summary{}, fmt.Errorf("%w: no file sections", ErrInvalidDiff)
	}

	var sum Summary
	seen := map[string]bool{}
	for _, fd := range fds {
		name := fileName(fd)
		if name == "" {
			return Summary{}, fmt.Errorf("%w: file section without name", ErrInvalidDiff)
		}
		if !seen[name] {
			seen[name] = true
			sum.Files = append(sum.Files, name)
		}
		sum.Stats.Hunks += len(fd.Hunks)
		for _, h := range fd.Hunks {
			for _, line := range bytes.Split(h.Body, []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				switch line[0] {
				case '+':
					sum.Stats.Insertions++
				case '-':
					sum.Stats.Deletions++
				}
			}
		}
	}
	sum.Stats.Files = len(sum.Files)
	return sum, nil
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// Generate builds a unified diff turning old into new for path.
func Generate(old, new, path string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(new),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("generate diff for %s: %w", path, err)
	}
	return out, nil
}

// Attach validates cs.Diff and fills Files and Stats. Files listed by the
// caller are kept and merged with those the diff touches.
func Attach(cs *models.ChangeSet) error {
	if cs == nil {
		return nil
	}
	sum, err := Parse(cs.Diff)
	if err != nil {
		return err
	}
	merged := map[string]bool{}
	for _, f := range cs.Files {
		if f = strings.TrimSpace(f); f != "" {
			merged[f] = true
		}
	}
	for _, f := range sum.Files {
		merged[f] = true
	}
	files := make([]string, 0, len(merged))
	for f := range merged {
		files = append(files, f)
	}
	sort.Strings(files)
	cs.Files = files
	if cs.Diff != "" {
		stats := sum.Stats
		cs.Stats = &stats
	}
	return nil
}
