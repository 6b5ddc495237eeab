package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/supportops/support-core/internal/audit"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/store"
)

func writePolicy(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "approval-policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func fsPolicy(dir string, quorum int, autoDocs bool) string {
	return fmt.Sprintf(`enabled: true
quorum: %d
autoApprove:
  documentation: %t
storage:
  pending: %s
  approved: %s
  rejected: %s
`, quorum, autoDocs,
		filepath.Join(dir, "pending"), filepath.Join(dir, "approved"), filepath.Join(dir, "rejected"))
}

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (r *recordingSink) Append(ctx context.Context, ev *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	mgr   *Manager
	store *store.MemoryStore
	sink  *recordingSink
}

func newFixture(t *testing.T, quorum int, autoDocs bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := writePolicy(t, dir, fsPolicy(dir, quorum, autoDocs))
	mem := store.NewMemoryStore()
	sink := &recordingSink{}
	mgr := NewManager(path,
		WithStoreOpener(func(ctx context.Context, _ store.Locations) (store.Store, error) { return mem, nil }),
		WithAuditSink(sink))
	require.NoError(t, mgr.Initialize(context.Background()))
	return &fixture{mgr: mgr, store: mem, sink: sink}
}

func infraInput() ProposalInput {
	return ProposalInput{
		Category:           models.CategoryInfrastructure,
		Rationale:          "disk on host A is 94% full; rotate logs daily",
		AffectedComponents: []string{"host-a", "logrotate"},
		RiskLevel:          models.RiskMedium,
		Reviewer:           "sre-oncall",
	}
}

func TestCreateProposalPersistsPending(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()

	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	assert.Regexp(t, `^infrastructure-\d{8}T\d{6}Z-[0-9a-f]{8}$`, id)

	p, err := f.store.Get(ctx, store.AreaPending, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Empty(t, p.Approvals)
	assert.Equal(t, []string{audit.EventProposalCreated}, f.sink.types())
}

func TestCreateProposalIDsAreUnique(t *testing.T) {
	f := newFixture(t, 2, true)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	f.mgr.now = func() time.Time { return fixed }

	a, err := f.mgr.CreateProposal(context.Background(), infraInput())
	require.NoError(t, err)
	b, err := f.mgr.CreateProposal(context.Background(), infraInput())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCreateProposalValidation(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()

	cases := map[string]func(*ProposalInput){
		"missing rationale":  func(in *ProposalInput) { in.Rationale = "  " },
		"no components":      func(in *ProposalInput) { in.AffectedComponents = []string{""} },
		"unknown category":   func(in *ProposalInput) { in.Category = "network" },
		"unknown risk":       func(in *ProposalInput) { in.RiskLevel = "extreme" },
		"missing reviewer":   func(in *ProposalInput) { in.Reviewer = "" },
		"critical no plan":   func(in *ProposalInput) { in.RiskLevel = models.RiskCritical },
		"broken change diff": func(in *ProposalInput) { in.Changes = &models.ChangeSet{Diff: "--- a/x\n+++ b/x\n@@ -a +b @@\n-x\n"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := infraInput()
			mutate(&in)
			_, err := f.mgr.CreateProposal(ctx, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Problems)
		})
	}

	pending, err := f.mgr.ListPendingProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCriticalProposalWithRollbackPlan(t *testing.T) {
	f := newFixture(t, 2, true)
	in := infraInput()
	in.RiskLevel = models.RiskCritical
	in.RollbackPlan = "restore previous logrotate.conf from git"
	id, err := f.mgr.CreateProposal(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, AutoApprovedID, id)
}

func TestCreateProposalAttachesDiffStats(t *testing.T) {
	f := newFixture(t, 2, true)
	in := infraInput()
	in.Changes = &models.ChangeSet{
		Description: "rotate daily",
		Diff:        "--- a/logrotate.conf\n+++ b/logrotate.conf\n@@ -1,2 +1,2 @@\n /var/log/app/*.log {\n-    weekly\n+    daily\n",
	}
	id, err := f.mgr.CreateProposal(context.Background(), in)
	require.NoError(t, err)

	p, err := f.mgr.LoadProposal(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p.Changes)
	require.NotNil(t, p.Changes.Stats)
	assert.Equal(t, []string{"logrotate.conf"}, p.Changes.Files)
	assert.Equal(t, 1, p.Changes.Stats.Insertions)
	assert.Equal(t, 1, p.Changes.Stats.Deletions)
}

func TestDocumentationAutoApprovedWithoutPersisting(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()
	in := infraInput()
	in.Category = models.CategoryDocumentation

	id, err := f.mgr.CreateProposal(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, AutoApprovedID, id)

	for _, area := range store.Areas {
		ps, err := f.store.List(ctx, area)
		require.NoError(t, err)
		assert.Empty(t, ps, "area %s", area)
	}
	assert.Equal(t, []string{audit.EventAutoApproved}, f.sink.types())
	assert.False(t, f.mgr.RequiresApproval(models.CategoryDocumentation))
}

func TestDocumentationWithoutAutoApprovalIsPersisted(t *testing.T) {
	f := newFixture(t, 2, false)
	in := infraInput()
	in.Category = models.CategoryDocumentation
	id, err := f.mgr.CreateProposal(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, AutoApprovedID, id)
	assert.True(t, f.mgr.RequiresApproval(models.CategoryDocumentation))
}

func TestQuorumApprovalRelocates(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	p, err := f.mgr.ApproveProposal(ctx, id, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	stillPending, err := f.store.Get(ctx, store.AreaPending, id)
	require.NoError(t, err)
	require.Len(t, stillPending.Approvals, 1)
	assert.NotEmpty(t, stillPending.Approvals[0].ProposalDigest)

	p, err = f.mgr.ApproveProposal(ctx, id, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)

	_, err = f.store.Get(ctx, store.AreaPending, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	approved, err := f.store.Get(ctx, store.AreaApproved, id)
	require.NoError(t, err)
	assert.Equal(t, 2, approved.ApprovalCount())
	assert.Equal(t, approved.Approvals[0].ProposalDigest, approved.Approvals[1].ProposalDigest)

	_, err = f.mgr.ApproveProposal(ctx, id, "carol", "")
	assert.ErrorIs(t, err, ErrNotPending)

	assert.Equal(t, []string{
		audit.EventProposalCreated,
		audit.EventApprovalRecorded,
		audit.EventApprovalRecorded,
		audit.EventApproved,
	}, f.sink.types())
}

func TestDuplicateApproverRejected(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	_, err = f.mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)
	_, err = f.mgr.ApproveProposal(ctx, id, " alice ", "again")
	assert.ErrorIs(t, err, ErrDuplicateApprover)

	p, err := f.mgr.LoadProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, 1, p.ApprovalCount())
}

func TestQuorumOfOne(t *testing.T) {
	f := newFixture(t, 1, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	p, err := f.mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	_, err = f.mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)

	p, err := f.mgr.RejectProposal(ctx, id, "bob", "log volume is expected during migration")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, p.Status)
	require.Len(t, p.Approvals, 2)
	assert.Equal(t, models.DecisionReject, p.Approvals[1].Decision)

	_, err = f.store.Get(ctx, store.AreaPending, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.Get(ctx, store.AreaRejected, id)
	require.NoError(t, err)

	_, err = f.mgr.ApproveProposal(ctx, id, "carol", "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.mgr.RejectProposal(ctx, id, "carol", "again")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestMarkExecuted(t *testing.T) {
	f := newFixture(t, 1, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	_, err = f.mgr.MarkExecuted(ctx, id, "deployer")
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = f.mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)
	p, err := f.mgr.MarkExecuted(ctx, id, "deployer")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, p.Status)
	require.NotNil(t, p.ExecutedAt)

	stored, err := f.store.Get(ctx, store.AreaApproved, id)
	require.NoError(t, err)
	assert.Equal(t, "deployer", stored.ExecutedBy)

	_, err = f.mgr.MarkExecuted(ctx, id, "deployer")
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestUnknownProposal(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()

	p, err := f.mgr.LoadProposal(ctx, "code-20250101T000000Z-deadbeef")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = f.mgr.ApproveProposal(ctx, "code-20250101T000000Z-deadbeef", "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.mgr.RejectProposal(ctx, "code-20250101T000000Z-deadbeef", "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.LoadProposal(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentApprovalsTransitionOnce(t *testing.T) {
	f := newFixture(t, 2, true)
	ctx := context.Background()
	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	const approvers = 8
	var (
		wg          sync.WaitGroup
		transitions int32
		failures    int32
	)
	for i := 0; i < approvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.mgr.ApproveProposal(ctx, id, fmt.Sprintf("approver-%d", i), "")
			if err != nil {
				assert.ErrorIs(t, err, ErrNotPending)
				atomic.AddInt32(&failures, 1)
				return
			}
			if p.Status == models.StatusApproved {
				atomic.AddInt32(&transitions, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions)
	assert.Equal(t, int32(approvers-2), failures)

	p, err := f.mgr.LoadProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)
	assert.Equal(t, 2, p.ApprovalCount())
	assert.Zero(t, f.mgr.locks.size())
}

func TestAuditFailureDoesNotBlockTransition(t *testing.T) {
	f := newFixture(t, 1, true)
	f.sink.err = errors.New("audit backend down")
	ctx := context.Background()

	id, err := f.mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	p, err := f.mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)
}

func TestRecoveryAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, fsPolicy(dir, 2, true))
	ctx := context.Background()

	first := NewManager(path)
	require.NoError(t, first.Initialize(ctx))
	id, err := first.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	_, err = first.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)

	second := NewManager(path)
	require.NoError(t, second.Initialize(ctx))
	pending, err := second.ListPendingProposals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].ApprovalCount())

	p, err := second.ApproveProposal(ctx, id, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)

	_, err = os.Stat(filepath.Join(dir, "approved", id+".json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "pending", id+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestInitializeFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	err := NewManager(filepath.Join(dir, "missing.yaml")).Initialize(ctx)
	assert.Error(t, err)

	bad := writePolicy(t, dir, "quorum: [not a number\n")
	assert.Error(t, NewManager(bad).Initialize(ctx))

	noStorage := writePolicy(t, dir, "quorum: 2\n")
	assert.Error(t, NewManager(noStorage).Initialize(ctx))

	openerFails := NewManager(writePolicy(t, dir, fsPolicy(dir, 2, true)),
		WithStoreOpener(func(context.Context, store.Locations) (store.Store, error) {
			return nil, errors.New("bucket missing")
		}))
	assert.ErrorContains(t, openerFails.Initialize(ctx), "bucket missing")
}

func TestCallsBeforeInitialize(t *testing.T) {
	m := NewManager("unused.yaml")
	ctx := context.Background()

	_, err := m.CreateProposal(ctx, infraInput())
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.ListPendingProposals(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.True(t, m.RequiresApproval(models.CategoryDocumentation))
}

func TestInitializeCreatesAreas(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, fsPolicy(dir, 2, true))
	require.NoError(t, NewManager(path).Initialize(context.Background()))
	for _, area := range []string{"pending", "approved", "rejected"} {
		info, err := os.Stat(filepath.Join(dir, area))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

// flakyDeleteStore fails the next n deletes from the pending area.
type flakyDeleteStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (f *flakyDeleteStore) Delete(ctx context.Context, area store.Area, id string) error {
	if area == store.AreaPending && f.failures.Add(-1) >= 0 {
		return errors.New("disk busy")
	}
	return f.MemoryStore.Delete(ctx, area, id)
}

func newFlakyFixture(t *testing.T, quorum int) (*Manager, *flakyDeleteStore) {
	t.Helper()
	dir := t.TempDir()
	path := writePolicy(t, dir, fsPolicy(dir, quorum, true))
	st := &flakyDeleteStore{MemoryStore: store.NewMemoryStore()}
	mgr := NewManager(path,
		WithStoreOpener(func(ctx context.Context, _ store.Locations) (store.Store, error) { return st, nil }))
	require.NoError(t, mgr.Initialize(context.Background()))
	return mgr, st
}

func TestInterruptedApprovalMoveKeepsDecision(t *testing.T) {
	mgr, st := newFlakyFixture(t, 2)
	ctx := context.Background()

	id, err := mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	_, err = mgr.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)

	st.failures.Store(1)
	p, err := mgr.ApproveProposal(ctx, id, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)

	// The pending copy survived the move.
	_, err = st.MemoryStore.Get(ctx, store.AreaPending, id)
	require.NoError(t, err)

	_, err = mgr.ApproveProposal(ctx, id, "carol", "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = mgr.RejectProposal(ctx, id, "dave", "too late")
	assert.ErrorIs(t, err, ErrNotPending)

	loaded, err := mgr.LoadProposal(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.StatusApproved, loaded.Status)
	assert.Equal(t, []string{"alice", "bob"}, approvers(loaded))

	_, err = st.MemoryStore.Get(ctx, store.AreaPending, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.MemoryStore.Get(ctx, store.AreaRejected, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := mgr.ListPendingProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInterruptedRejectionIsNotListedPending(t *testing.T) {
	mgr, st := newFlakyFixture(t, 2)
	ctx := context.Background()

	id, err := mgr.CreateProposal(ctx, infraInput())
	require.NoError(t, err)

	// Both the move and the first reconciliation attempt fail to delete.
	st.failures.Store(2)
	_, err = mgr.RejectProposal(ctx, id, "alice", "not needed")
	require.NoError(t, err)

	pending, err := mgr.ListPendingProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = st.MemoryStore.Get(ctx, store.AreaPending, id)
	require.NoError(t, err, "failed removal leaves the copy for a later pass")

	pending, err = mgr.ListPendingProposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = st.MemoryStore.Get(ctx, store.AreaPending, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInitializeReconcilesStalePendingCopies(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, fsPolicy(dir, 2, true))
	ctx := context.Background()

	first := NewManager(path)
	require.NoError(t, first.Initialize(ctx))
	id, err := first.CreateProposal(ctx, infraInput())
	require.NoError(t, err)
	_, err = first.ApproveProposal(ctx, id, "alice", "")
	require.NoError(t, err)
	_, err = first.ApproveProposal(ctx, id, "bob", "")
	require.NoError(t, err)

	// Simulate a crash between writing the approved copy and removing the
	// pending one.
	approved, err := os.ReadFile(filepath.Join(dir, "approved", id+".json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pending", id+".json"), approved, 0o644))

	second := NewManager(path)
	require.NoError(t, second.Initialize(ctx))
	_, err = os.Stat(filepath.Join(dir, "pending", id+".json"))
	assert.True(t, os.IsNotExist(err))

	p, err := second.LoadProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)
}
