// Package approval gates model-proposed system changes behind a persisted,
// quorum-based human review workflow.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/audit"
	"github.com/ILLUVRSE/supportops/support-core/internal/canonical"
	"github.com/ILLUVRSE/supportops/support-core/internal/metrics"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/store"
)

// AutoApprovedID is returned by CreateProposal for proposals the policy
// approves without review. Nothing is persisted for them.
const AutoApprovedID = "auto-approved"

var (
	ErrNotInitialized    = errors.New("approval manager not initialized")
	ErrNotFound          = errors.New("proposal not found")
	ErrNotPending        = errors.New("proposal is not pending")
	ErrNotApproved       = errors.New("proposal is not approved")
	ErrDuplicateApprover = errors.New("approver already recorded a decision")
)

// Option configures a Manager.
type Option func(*Manager)

func WithStoreOpener(o store.Opener) Option {
	return func(m *Manager) { m.opener = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs the proposal state machine:
//
//	pending -> approved (quorum reached) -> executed
//	pending -> rejected
//
// Mutations of one proposal are serialised by a per-ID lock; different
// proposals proceed independently.
type Manager struct {
	policyPath string
	opener     store.Opener
	log        *zap.Logger
	sink       audit.Sink
	now        func() time.Time
	locks      *keyedMutex

	mu     sync.RWMutex
	policy Policy
	store  store.Store
}

func NewManager(policyPath string, opts ...Option) *Manager {
	m := &Manager{
		policyPath: policyPath,
		opener:     store.OpenAFS,
		log:        zap.NewNop(),
		sink:       audit.NopSink{},
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the policy, opens the store and creates the three areas.
// Any failure here is fatal for the caller.
func (m *Manager) Initialize(ctx context.Context) error {
	policy, err := LoadPolicy(m.policyPath)
	if err != nil {
		return err
	}
	st, err := m.opener(ctx, policy.Locations)
	if err != nil {
		return fmt.Errorf("open proposal store: %w", err)
	}
	if err := st.EnsureAreas(ctx); err != nil {
		return fmt.Errorf("prepare proposal areas: %w", err)
	}
	if _, err := m.undecided(ctx, st); err != nil {
		return fmt.Errorf("reconcile pending proposals: %w", err)
	}

	m.mu.Lock()
	m.policy = policy
	m.store = st
	m.mu.Unlock()

	m.log.Info("approval manager initialized",
		zap.Bool("enabled", policy.Enabled),
		zap.Int("quorum", policy.Quorum),
		zap.Bool("auto_approve_documentation", policy.AutoApproves(models.CategoryDocumentation)))
	return nil
}

func (m *Manager) state() (Policy, store.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return Policy{}, nil, ErrNotInitialized
	}
	return m.policy, m.store, nil
}

// Policy returns the loaded policy.
func (m *Manager) Policy() (Policy, error) {
	p, _, err := m.state()
	return p, err
}

// RequiresApproval answers from the loaded policy. Before Initialize every
// category requires approval.
func (m *Manager) RequiresApproval(c models.Category) bool {
	p, _, err := m.state()
	if err != nil {
		return true
	}
	return p.RequiresApproval(c)
}

// Ping checks the proposal store.
func (m *Manager) Ping(ctx context.Context) error {
	_, st, err := m.state()
	if err != nil {
		return err
	}
	return st.Ping(ctx)
}

// CreateProposal validates and persists a new pending proposal and returns
// its ID, or AutoApprovedID when the policy approves the category outright.
func (m *Manager) CreateProposal(ctx context.Context, in ProposalInput) (string, error) {
	policy, st, err := m.state()
	if err != nil {
		return "", err
	}
	in = in.normalized()
	if err := in.Validate(); err != nil {
		return "", err
	}

	if policy.AutoApproves(in.Category) {
		m.emit(ctx, audit.NewEvent(audit.EventAutoApproved, in.Reviewer, "", string(in.Category), map[string]interface{}{
			"rationale":          in.Rationale,
			"affectedComponents": in.AffectedComponents,
		}))
		m.log.Info("proposal auto-approved", zap.String("category", string(in.Category)))
		return AutoApprovedID, nil
	}

	now := m.now().UTC()
	p := &models.Proposal{
		ID:                 newProposalID(in.Category, now),
		Category:           in.Category,
		Rationale:          in.Rationale,
		AffectedComponents: in.AffectedComponents,
		RiskLevel:          in.RiskLevel,
		RollbackPlan:       in.RollbackPlan,
		Reviewer:           in.Reviewer,
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             models.StatusPending,
		Approvals:          []models.ApprovalRecord{},
		Changes:            in.Changes,
	}
	if err := st.Put(ctx, store.AreaPending, p); err != nil {
		return "", fmt.Errorf("persist proposal: %w", err)
	}

	m.emit(ctx, audit.NewEvent(audit.EventProposalCreated, in.Reviewer, p.ID, string(p.Category), map[string]interface{}{
		"riskLevel":          string(p.RiskLevel),
		"affectedComponents": p.AffectedComponents,
	}))
	m.log.Info("proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("category", string(p.Category)),
		zap.String("risk_level", string(p.RiskLevel)))
	return p.ID, nil
}

// LoadProposal returns the authoritative copy of a proposal, or (nil, nil)
// when it does not exist.
func (m *Manager) LoadProposal(ctx context.Context, id string) (*models.Proposal, error) {
	_, st, err := m.state()
	if err != nil {
		return nil, err
	}
	if err := store.ValidateID(id); err != nil {
		return nil, newValidationError(fmt.Sprintf("id: %v", err))
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	p, _, err := m.locate(ctx, st, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// locate finds id across the areas. A copy in the approved or rejected area
// wins over a pending copy left by an interrupted move, and the stale
// pending copy is removed. Callers hold the per-ID lock.
func (m *Manager) locate(ctx context.Context, st store.Store, id string) (*models.Proposal, store.Area, error) {
	for _, area := range []store.Area{store.AreaApproved, store.AreaRejected} {
		p, err := st.Get(ctx, area, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if err := m.dropStalePending(ctx, st, id, area); err != nil {
			return nil, "", err
		}
		return p, area, nil
	}
	p, err := st.Get(ctx, store.AreaPending, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}
	return p, store.AreaPending, nil
}

// dropStalePending removes a pending copy of an already decided proposal.
// A failed removal is logged and retried on the next lookup.
func (m *Manager) dropStalePending(ctx context.Context, st store.Store, id string, decided store.Area) error {
	_, err := st.Get(ctx, store.AreaPending, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := st.Delete(ctx, store.AreaPending, id); err != nil {
		m.log.Warn("stale pending copy not removed",
			zap.String("proposal_id", id), zap.String("decided_area", string(decided)), zap.Error(err))
		return nil
	}
	m.log.Info("removed stale pending copy", zap.String("proposal_id", id), zap.String("decided_area", string(decided)))
	return nil
}

// undecided lists the pending area, dropping proposals that already have a
// copy in a decided area.
func (m *Manager) undecided(ctx context.Context, st store.Store) ([]*models.Proposal, error) {
	ps, err := st.List(ctx, store.AreaPending)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Proposal, 0, len(ps))
	for _, p := range ps {
		cur, area, err := m.locateLocked(ctx, st, p.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if area == store.AreaPending {
			out = append(out, cur)
		}
	}
	return out, nil
}

func (m *Manager) locateLocked(ctx context.Context, st store.Store, id string) (*models.Proposal, store.Area, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.locate(ctx, st, id)
}

// ApproveProposal records an approval from a distinct approver. Reaching the
// quorum approves the proposal and moves it to the approved area.
func (m *Manager) ApproveProposal(ctx context.Context, id, approver, comment string) (*models.Proposal, error) {
	policy, st, err := m.state()
	if err != nil {
		return nil, err
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, newValidationError("approver is required")
	}
	if err := store.ValidateID(id); err != nil {
		return nil, newValidationError(fmt.Sprintf("id: %v", err))
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	p, area, err := m.locate(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusPending || area != store.AreaPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	if p.HasDecisionFrom(approver) {
		return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateApprover, approver, id)
	}

	digest, err := Digest(p)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	p.Approvals = append(p.Approvals, models.ApprovalRecord{
		Approver:       approver,
		Decision:       models.DecisionApprove,
		Comment:        comment,
		Timestamp:      now,
		ProposalDigest: digest,
	})
	p.UpdatedAt = now
	count := p.ApprovalCount()

	if policy.QuorumReached(count) {
		p.Status = models.StatusApproved
		if err := m.move(ctx, st, p, store.AreaApproved); err != nil {
			return nil, err
		}
	} else if err := st.Put(ctx, store.AreaPending, p); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	m.emit(ctx, audit.NewEvent(audit.EventApprovalRecorded, approver, p.ID, string(p.Category), map[string]interface{}{
		"approvals": count,
		"quorum":    policy.Quorum,
		"digest":    digest,
	}))
	if p.Status == models.StatusApproved {
		m.emit(ctx, audit.NewEvent(audit.EventApproved, approver, p.ID, string(p.Category), map[string]interface{}{
			"approvers": approvers(p),
		}))
		m.log.Info("proposal approved", zap.String("proposal_id", p.ID), zap.Int("approvals", count))
	} else {
		m.log.Info("approval recorded",
			zap.String("proposal_id", p.ID),
			zap.Int("approvals", count),
			zap.Int("quorum", policy.Quorum))
	}
	return p, nil
}

// RejectProposal rejects a pending proposal. Rejection is terminal.
func (m *Manager) RejectProposal(ctx context.Context, id, reviewer, reason string) (*models.Proposal, error) {
	_, st, err := m.state()
	if err != nil {
		return nil, err
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, newValidationError("reviewer is required")
	}
	if err := store.ValidateID(id); err != nil {
		return nil, newValidationError(fmt.Sprintf("id: %v", err))
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	p, area, err := m.locate(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusPending || area != store.AreaPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}

	digest, err := Digest(p)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	p.Approvals = append(p.Approvals, models.ApprovalRecord{
		Approver:       reviewer,
		Decision:       models.DecisionReject,
		Comment:        reason,
		Timestamp:      now,
		ProposalDigest: digest,
	})
	p.Status = models.StatusRejected
	p.UpdatedAt = now
	if err := m.move(ctx, st, p, store.AreaRejected); err != nil {
		return nil, err
	}

	m.emit(ctx, audit.NewEvent(audit.EventRejected, reviewer, p.ID, string(p.Category), map[string]interface{}{
		"reason": reason,
	}))
	m.log.Info("proposal rejected", zap.String("proposal_id", p.ID), zap.String("reviewer", reviewer))
	return p, nil
}

// MarkExecuted records that an approved proposal was applied. The proposal
// stays in the approved area.
func (m *Manager) MarkExecuted(ctx context.Context, id, executor string) (*models.Proposal, error) {
	_, st, err := m.state()
	if err != nil {
		return nil, err
	}
	executor = strings.TrimSpace(executor)
	if executor == "" {
		return nil, newValidationError("executor is required")
	}
	if err := store.ValidateID(id); err != nil {
		return nil, newValidationError(fmt.Sprintf("id: %v", err))
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	p, area, err := m.locate(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusApproved || area != store.AreaApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotApproved, id, p.Status)
	}
	now := m.now().UTC()
	p.Status = models.StatusExecuted
	p.ExecutedAt = &now
	p.ExecutedBy = executor
	p.UpdatedAt = now
	if err := st.Put(ctx, store.AreaApproved, p); err != nil {
		return nil, fmt.Errorf("persist execution marker: %w", err)
	}

	m.emit(ctx, audit.NewEvent(audit.EventExecuted, executor, p.ID, string(p.Category), nil))
	m.log.Info("proposal executed", zap.String("proposal_id", p.ID), zap.String("executor", executor))
	return p, nil
}

// ListPendingProposals returns pending proposals, oldest first.
func (m *Manager) ListPendingProposals(ctx context.Context) ([]*models.Proposal, error) {
	_, st, err := m.state()
	if err != nil {
		return nil, err
	}
	ps, err := m.undecided(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	if ps == nil {
		ps = []*models.Proposal{}
	}
	return ps, nil
}

// move takes a pending proposal to its decided area. Once the decided copy
// is written the transition stands; a leftover pending copy is reconciled
// by locate.
func (m *Manager) move(ctx context.Context, st store.Store, p *models.Proposal, to store.Area) error {
	err := store.Move(ctx, st, p, store.AreaPending, to)
	if errors.Is(err, store.ErrSourceNotRemoved) {
		m.log.Warn("proposal decided but pending copy remains", zap.String("proposal_id", p.ID), zap.Error(err))
		return nil
	}
	return err
}

// emit records an audit event. Audit failures never undo a transition.
func (m *Manager) emit(ctx context.Context, ev *audit.Event) {
	metrics.ObserveProposalEvent(ev.Type, ev.Category)
	if err := m.sink.Append(ctx, ev); err != nil {
		m.log.Warn("audit append failed",
			zap.String("event", ev.Type),
			zap.String("proposal_id", ev.ProposalID),
			zap.Error(err))
	}
}

// Digest is the canonical SHA-256 of the reviewed content of a proposal.
// Review state (status, approvals, timestamps after creation) is excluded.
func Digest(p *models.Proposal) (string, error) {
	content := map[string]interface{}{
		"id":                 p.ID,
		"category":           string(p.Category),
		"rationale":          p.Rationale,
		"affectedComponents": p.AffectedComponents,
		"riskLevel":          string(p.RiskLevel),
		"rollbackPlan":       p.RollbackPlan,
		"reviewer":           p.Reviewer,
		"createdAt":          p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"changes":            p.Changes,
	}
	d, err := canonical.Digest(content)
	if err != nil {
		return "", fmt.Errorf("digest proposal %s: %w", p.ID, err)
	}
	return d, nil
}

func newProposalID(c models.Category, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", c, now.UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}

func approvers(p *models.Proposal) []string {
	out := make([]string, 0, len(p.Approvals))
	for _, rec := range p.Approvals {
		if rec.Decision == models.DecisionApprove {
			out = append(out, rec.Approver)
		}
	}
	return out
}
