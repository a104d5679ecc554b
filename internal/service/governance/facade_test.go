package governance

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/engine/terraform"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/budget"
	"github.com/splax/warden/internal/service/jit"
	"github.com/splax/warden/internal/service/policy"
	"github.com/splax/warden/internal/service/quota"
	"github.com/splax/warden/internal/service/session"
	"github.com/splax/warden/internal/service/vault"
)

type memStore struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	quotas   map[string]*domain.Quota
	sessions map[string]*domain.DeploymentSession
	grants   map[int64]domain.JitGrant
	alerts   map[string]*domain.BudgetAlert
	blobs    map[string]*domain.RecoveryBlob
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*domain.Project),
		quotas:   make(map[string]*domain.Quota),
		sessions: make(map[string]*domain.DeploymentSession),
		grants:   make(map[int64]domain.JitGrant),
		alerts:   make(map[string]*domain.BudgetAlert),
		blobs:    make(map[string]*domain.RecoveryBlob),
		nextID:   1,
	}
}

func (s *memStore) CreateProject(_ context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.projects[p.ID] = &copied
	return nil
}

func (s *memStore) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) ListProjectsByGuild(_ context.Context, guildID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.GuildID == guildID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) UpdateProjectStatus(_ context.Context, projectID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *memStore) UpdateProjectBudget(_ context.Context, projectID string, monthlyBudget float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.MonthlyBudget = monthlyBudget
	return nil
}

func (s *memStore) quotaKey(projectID, resourceType, region string) string {
	return projectID + "/" + resourceType + "/" + region
}

func (s *memStore) UpsertQuota(_ context.Context, q *domain.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *q
	s.quotas[s.quotaKey(q.ProjectID, q.ResourceType, q.Region)] = &copied
	return nil
}

func (s *memStore) GetQuota(_ context.Context, projectID, resourceType, region string) (*domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[s.quotaKey(projectID, resourceType, region)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *q
	return &copied, nil
}

func (s *memStore) AddQuotaUsage(_ context.Context, projectID, resourceType, region string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[s.quotaKey(projectID, resourceType, region)]
	if !ok {
		return repository.ErrNotFound
	}
	q.Used += amount
	return nil
}

func (s *memStore) ReleaseQuotaUsage(_ context.Context, projectID, resourceType, region string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[s.quotaKey(projectID, resourceType, region)]
	if !ok {
		return repository.ErrNotFound
	}
	q.Used -= amount
	if q.Used < 0 {
		q.Used = 0
	}
	return nil
}

func (s *memStore) SumQuotaUsage(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int
	for _, q := range s.quotas {
		if q.ProjectID == projectID {
			sum += q.Used
		}
	}
	return sum, nil
}

func (s *memStore) SumUsageByType(_ context.Context, projectID, resourceType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int
	for _, q := range s.quotas {
		if q.ProjectID == projectID && q.ResourceType == resourceType {
			sum += q.Used
		}
	}
	return sum, nil
}

func (s *memStore) UpsertPolicy(_ context.Context, _ *domain.Policy) error { return nil }

func (s *memStore) ListActivePoliciesByGuild(_ context.Context, _ string) ([]domain.Policy, error) {
	return nil, nil
}

func (s *memStore) DeletePolicy(_ context.Context, _, _ string) error { return nil }

func (s *memStore) CreateSession(_ context.Context, sess *domain.DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func (s *memStore) GetSessionByID(_ context.Context, sessionID string) (*domain.DeploymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, update domain.SessionStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[update.SessionID]
	if !ok {
		return repository.ErrNotFound
	}
	sess.Status = update.Status
	sess.Error = update.Error
	if update.HasPlan {
		sess.PlanAdds = update.PlanAdds
		sess.PlanChanges = update.PlanChanges
		sess.PlanDestroys = update.PlanDestroys
	}
	if update.CompletedAt != nil {
		sess.CompletedAt = update.CompletedAt
	}
	return nil
}

func (s *memStore) ListSessionsByProject(_ context.Context, projectID string, limit int) ([]domain.DeploymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeploymentSession
	for _, sess := range s.sessions {
		if sess.ProjectID == projectID {
			out = append(out, *sess)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListSessionsExpiredBefore(_ context.Context, cutoff time.Time) ([]domain.DeploymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeploymentSession
	for _, sess := range s.sessions {
		if !domain.SessionTerminal(sess.Status) && !sess.ExpiresAt.After(cutoff) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *memStore) SumCompletedHourlyCost(_ context.Context, projectID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, sess := range s.sessions {
		if sess.ProjectID == projectID && sess.Status == domain.SessionCompleted {
			sum += sess.HourlyCost
		}
	}
	return sum, nil
}

func (s *memStore) CreateGrant(_ context.Context, grant *domain.JitGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant.ID = s.nextID
	s.nextID++
	s.grants[grant.ID] = *grant
	return nil
}

func (s *memStore) GetGrantByID(_ context.Context, grantID int64) (*domain.JitGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &g, nil
}

func (s *memStore) ListUnrevokedGrants(_ context.Context, principal, guildID string) ([]domain.JitGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JitGrant
	for _, g := range s.grants {
		if !g.Revoked && g.Principal == principal && g.GuildID == guildID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) ListExpiredUnrevoked(_ context.Context, cutoff time.Time) ([]domain.JitGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JitGrant
	for _, g := range s.grants {
		if !g.Revoked && !g.ExpiresAt.After(cutoff) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) RevokeGrant(_ context.Context, grantID int64, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok || g.Revoked {
		return repository.ErrNotFound
	}
	g.Revoked = true
	g.RevokedAt = &revokedAt
	s.grants[grantID] = g
	return nil
}

func (s *memStore) UpsertBudgetAlert(_ context.Context, alert *domain.BudgetAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *alert
	s.alerts[alert.ProjectID] = &copied
	return nil
}

func (s *memStore) GetBudgetAlert(_ context.Context, projectID string) (*domain.BudgetAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *memStore) TriggerBudgetAlert(_ context.Context, projectID string, spend float64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[projectID]
	if !ok {
		return false, repository.ErrNotFound
	}
	a.CurrentSpend = spend
	if !a.Triggered && spend >= a.Threshold {
		a.Triggered = true
		a.TriggeredAt = &at
		return true, nil
	}
	return false, nil
}

func (s *memStore) ResetBudgetAlert(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Triggered = false
	a.TriggeredAt = nil
	return nil
}

func (s *memStore) UpsertRecoveryBlob(_ context.Context, blob *domain.RecoveryBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *blob
	s.blobs[blob.SessionID] = &copied
	return nil
}

func (s *memStore) GetRecoveryBlob(_ context.Context, sessionID string) (*domain.RecoveryBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *memStore) DeleteRecoveryBlob(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, sessionID)
	return nil
}

func (s *memStore) DeleteExpiredRecoveryBlobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, b := range s.blobs {
		if !b.ExpiresAt.IsZero() && !b.ExpiresAt.After(cutoff) {
			delete(s.blobs, id)
			n++
		}
	}
	return n, nil
}

type stubRunner struct {
	applyResult terraform.ApplyResult
}

func (r *stubRunner) Plan(_ context.Context, _ string, _ map[string]string) (terraform.PlanResult, error) {
	return terraform.PlanResult{AddCount: 1}, nil
}

func (r *stubRunner) Apply(_ context.Context, _ string, _ map[string]string) (terraform.ApplyResult, error) {
	return r.applyResult, nil
}

type harness struct {
	store  *memStore
	vault  *vault.Vault
	facade *Facade
}

func newHarness(t *testing.T, store *memStore) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := quota.NewLedger(store, logger, nil)
	engine := policy.NewEngine(store, ledger, logger, nil)
	guard := budget.NewGuard(store, store, store, nil, logger)
	vlt := vault.New(30*time.Minute, logger, nil)
	runner := &stubRunner{applyResult: terraform.ApplyResult{Success: true}}
	machine := session.NewMachine(store, store, engine, ledger, guard, vlt, runner, nil, logger, nil, session.Config{
		TTL:           30 * time.Minute,
		WorkspaceRoot: t.TempDir(),
	})
	registry := jit.NewRegistry(store, nil, logger, nil, "harness-secret", time.Minute)
	facade := New(store, store, ledger, guard, vlt, machine, registry, logger, 24*time.Hour)

	return &harness{store: store, vault: vlt, facade: facade}
}

func (h *harness) createProject(t *testing.T, params CreateProjectParams) *domain.Project {
	t.Helper()
	p, err := h.facade.CreateProject(context.Background(), params)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func defaultParams() CreateProjectParams {
	return CreateProjectParams{
		GuildID:  "guild-1",
		OwnerID:  "alice",
		Provider: "aws",
		Region:   "us-central1",
	}
}

func vmResources(count int, hourly float64) []domain.ResourceSpec {
	return []domain.ResourceSpec{{
		Type: "vm", Name: "web", Region: "us-central1",
		InstanceClass: "standard-2", Count: count, HourlyCost: hourly,
	}}
}

func TestCreateProjectSeedsDefaultQuotas(t *testing.T) {
	h := newHarness(t, newMemStore())
	p := h.createProject(t, defaultParams())

	q, err := h.store.GetQuota(context.Background(), p.ID, "vm", "us-central1")
	if err != nil {
		t.Fatalf("default vm quota missing: %v", err)
	}
	if q.Limit <= 0 || q.Used != 0 {
		t.Fatalf("unexpected seeded quota: %+v", q)
	}
}

func TestRequestDeploymentHappyPath(t *testing.T) {
	h := newHarness(t, newMemStore())
	p := h.createProject(t, defaultParams())
	ctx := context.Background()

	id, err := h.facade.RequestDeployment(ctx, p.ID, "alice", vmResources(1, 0.5))
	if err != nil {
		t.Fatalf("RequestDeployment: %v", err)
	}
	sess, err := h.facade.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != domain.SessionApproved {
		t.Fatalf("status = %s, want approved", sess.Status)
	}

	if _, err := h.facade.RunPlan(ctx, id); err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if err := h.facade.OpenVaultSession(id, []byte(`{"key":"v"}`)); err != nil {
		t.Fatalf("OpenVaultSession: %v", err)
	}
	result, err := h.facade.ConfirmApply(ctx, id)
	if err != nil {
		t.Fatalf("ConfirmApply: %v", err)
	}
	if !result.Success {
		t.Fatal("expected successful apply")
	}
	used, _ := h.store.SumUsageByType(ctx, p.ID, "vm")
	if used != 1 {
		t.Fatalf("used = %d, want 1", used)
	}
}

func TestRequestDeploymentDenialLeavesNoLiveSession(t *testing.T) {
	h := newHarness(t, newMemStore())
	p := h.createProject(t, defaultParams())
	ctx := context.Background()

	// Default policy denies bare metal instance classes outright.
	metal := vmResources(1, 0.5)
	metal[0].InstanceClass = "metal-96xl"
	id, err := h.facade.RequestDeployment(ctx, p.ID, "alice", metal)
	if err == nil {
		t.Fatal("expected policy denial")
	}
	var perr *session.PolicyViolationError
	if !errors.As(err, &perr) {
		t.Fatalf("want PolicyViolationError, got %v", err)
	}
	if id != "" {
		t.Fatalf("denied request must not return a session id, got %q", id)
	}
	for _, sess := range h.store.sessions {
		if !domain.SessionTerminal(sess.Status) {
			t.Fatalf("denied request left live session %s in %s", sess.ID, sess.Status)
		}
	}
}

func TestApproveSessionRequiresDeployerGrant(t *testing.T) {
	h := newHarness(t, newMemStore())
	p := h.createProject(t, defaultParams())
	ctx := context.Background()

	// 10 USD/hour trips the default cost gate into needs-approval.
	id, err := h.facade.RequestDeployment(ctx, p.ID, "alice", vmResources(1, 10))
	var aerr *session.ApprovalRequiredError
	if !errors.As(err, &aerr) {
		t.Fatalf("want ApprovalRequiredError, got %v", err)
	}
	if id == "" {
		t.Fatal("needs-approval request must return the session id")
	}

	if err := h.facade.ApproveSession(ctx, id, "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("approval without grant: want ErrPermissionDenied, got %v", err)
	}

	if _, err := h.facade.GrantPermission(ctx, "bob", "guild-1", "aws", domain.JitLevelViewer, "root", 60); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if err := h.facade.ApproveSession(ctx, id, "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("viewer grant must not approve, got %v", err)
	}

	res, err := h.facade.GrantPermission(ctx, "bob", "guild-1", "aws", domain.JitLevelDeployer, "root", 60)
	if err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if res.Token == "" {
		t.Fatal("grant must include a signed token")
	}
	if err := h.facade.ApproveSession(ctx, id, "bob"); err != nil {
		t.Fatalf("ApproveSession with deployer grant: %v", err)
	}
	sess, _ := h.facade.GetSession(ctx, id)
	if sess.Status != domain.SessionApproved {
		t.Fatalf("status = %s, want approved", sess.Status)
	}

	if err := h.facade.RevokePermission(ctx, res.Grant.ID); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
}

func TestDeleteProjectRefusedWhileResourcesExist(t *testing.T) {
	h := newHarness(t, newMemStore())
	p := h.createProject(t, defaultParams())
	ctx := context.Background()

	id, err := h.facade.RequestDeployment(ctx, p.ID, "alice", vmResources(2, 0.5))
	if err != nil {
		t.Fatalf("RequestDeployment: %v", err)
	}
	if _, err := h.facade.RunPlan(ctx, id); err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if err := h.facade.OpenVaultSession(id, []byte("{}")); err != nil {
		t.Fatalf("OpenVaultSession: %v", err)
	}
	if _, err := h.facade.ConfirmApply(ctx, id); err != nil {
		t.Fatalf("ConfirmApply: %v", err)
	}

	if err := h.facade.DeleteProject(ctx, p.ID); !errors.Is(err, ErrProjectInUse) {
		t.Fatalf("want ErrProjectInUse, got %v", err)
	}

	h.store.ReleaseQuotaUsage(ctx, p.ID, "vm", "us-central1", 2)
	if err := h.facade.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject after release: %v", err)
	}
	stored, _ := h.store.GetProjectByID(ctx, p.ID)
	if stored.Status != domain.ProjectStatusDeleted {
		t.Fatalf("status = %s, want deleted", stored.Status)
	}
}

func TestConfirmApplyFiresBudgetAlertOnce(t *testing.T) {
	h := newHarness(t, newMemStore())
	params := defaultParams()
	params.AlertThreshold = 300
	p := h.createProject(t, params)
	ctx := context.Background()

	// 0.5/hour completes to a 360/month projection, above the 300 alert.
	id, err := h.facade.RequestDeployment(ctx, p.ID, "alice", vmResources(1, 0.5))
	if err != nil {
		t.Fatalf("RequestDeployment: %v", err)
	}
	if _, err := h.facade.RunPlan(ctx, id); err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if err := h.facade.OpenVaultSession(id, []byte("{}")); err != nil {
		t.Fatalf("OpenVaultSession: %v", err)
	}
	if _, err := h.facade.ConfirmApply(ctx, id); err != nil {
		t.Fatalf("ConfirmApply: %v", err)
	}

	alert, err := h.store.GetBudgetAlert(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetBudgetAlert: %v", err)
	}
	if !alert.Triggered {
		t.Fatal("alert must trigger once projection crosses the threshold")
	}
}

func TestVaultRecoveryAcrossRestart(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store)
	ctx := context.Background()
	payload := []byte(`{"access_key":"AKIA","secret_key":"s3cr3t"}`)

	if err := h.facade.OpenVaultSession("sess-1", payload); err != nil {
		t.Fatalf("OpenVaultSession: %v", err)
	}
	if err := h.facade.IssueRecovery(ctx, "sess-1", "correct horse"); err != nil {
		t.Fatalf("IssueRecovery: %v", err)
	}

	// A fresh harness over the same store stands in for a restarted process.
	restarted := newHarness(t, store)
	if _, err := restarted.facade.GetVaultPayload("sess-1"); !errors.Is(err, vault.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound before recovery, got %v", err)
	}
	if err := restarted.facade.RecoverVaultSession(ctx, "sess-1", "wrong"); !errors.Is(err, vault.ErrDecryptFailed) {
		t.Fatalf("wrong passphrase: want ErrDecryptFailed, got %v", err)
	}
	if err := restarted.facade.RecoverVaultSession(ctx, "sess-1", "correct horse"); err != nil {
		t.Fatalf("RecoverVaultSession: %v", err)
	}
	got, err := restarted.facade.GetVaultPayload("sess-1")
	if err != nil {
		t.Fatalf("GetVaultPayload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("recovered payload mismatch: %q", got)
	}
}

func TestExpiredRecoveryBlobReadsAsMissing(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store)
	ctx := context.Background()

	if err := h.facade.OpenVaultSession("sess-1", []byte("{}")); err != nil {
		t.Fatalf("OpenVaultSession: %v", err)
	}
	if err := h.facade.IssueRecovery(ctx, "sess-1", "pw"); err != nil {
		t.Fatalf("IssueRecovery: %v", err)
	}

	restarted := newHarness(t, store)
	restarted.facade.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := restarted.facade.RecoverVaultSession(ctx, "sess-1", "pw"); !errors.Is(err, vault.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound for expired blob, got %v", err)
	}
	if _, err := store.GetRecoveryBlob(ctx, "sess-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("expired blob must be removed on access")
	}
}
