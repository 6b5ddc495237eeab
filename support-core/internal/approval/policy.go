package approval

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/store"
)

const DefaultQuorum = 2

// Policy is the approval rule set loaded once at Initialize.
type Policy struct {
	Enabled     bool
	Quorum      int
	AutoApprove map[models.Category]bool
	Locations   store.Locations
}

type policyDoc struct {
	Enabled     *bool           `yaml:"enabled"`
	Quorum      int             `yaml:"quorum"`
	AutoApprove autoApproveDoc  `yaml:"autoApprove"`
	Storage     store.Locations `yaml:"storage"`
}

type autoApproveDoc struct {
	Documentation bool `yaml:"documentation"`
}

// LoadPolicy reads the policy document. A missing or malformed document is
// an error; there is no built-in fallback policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, fmt.Errorf("approval policy path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read approval policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var doc policyDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, fmt.Errorf("approval policy is empty")
		}
		return Policy{}, fmt.Errorf("parse approval policy: %w", err)
	}

	p := Policy{
		Enabled:     true,
		Quorum:      doc.Quorum,
		AutoApprove: map[models.Category]bool{models.CategoryDocumentation: doc.AutoApprove.Documentation},
		Locations:   doc.Storage,
	}
	if doc.Enabled != nil {
		p.Enabled = *doc.Enabled
	}
	if p.Quorum == 0 {
		p.Quorum = DefaultQuorum
	}
	if p.Quorum < 0 {
		return Policy{}, fmt.Errorf("approval policy: quorum must be positive, got %d", p.Quorum)
	}
	if err := p.Locations.Validate(); err != nil {
		return Policy{}, fmt.Errorf("approval policy storage: %w", err)
	}
	return p, nil
}

// AutoApproves reports whether proposals of category skip review.
func (p Policy) AutoApproves(c models.Category) bool {
	return p.AutoApprove[c]
}

func (p Policy) RequiresApproval(c models.Category) bool {
	if !p.Enabled {
		return false
	}
	return !p.AutoApproves(c)
}

func (p Policy) QuorumReached(approvals int) bool {
	return approvals >= p.Quorum
}
