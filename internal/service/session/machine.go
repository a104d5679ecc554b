// Package session drives a deployment request through its lifecycle. Every
// transition is guarded; apply is only reachable through an explicit plan,
// and quota is committed only once an apply has actually succeeded.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/engine/terraform"
	"github.com/splax/warden/internal/events"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/budget"
	"github.com/splax/warden/internal/service/policy"
	"github.com/splax/warden/internal/service/quota"
	"github.com/splax/warden/internal/service/vault"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
	defaultPlanTimeout   = 5 * time.Minute
	defaultApplyTimeout  = 15 * time.Minute
	hoursPerMonth        = 24 * 30
)

var errProjectNotDeployable = errors.New("session: project is not active")

// Config carries the machine's tunables.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	PlanTimeout   time.Duration
	ApplyTimeout  time.Duration
	WorkspaceRoot string
}

func (c *Config) fillDefaults() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = defaultPlanTimeout
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = defaultApplyTimeout
	}
}

// Machine orchestrates deployment sessions. Operations on the same session
// are linearized through a per-session mutex; the stored row is the source
// of truth between calls.
type Machine struct {
	sessions  repository.SessionRepository
	projects  repository.ProjectRepository
	policies  *policy.Engine
	ledger    *quota.Ledger
	budget    *budget.Guard
	vault     *vault.Vault
	engine    terraform.Runner
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewMachine returns a deployment session machine.
func NewMachine(
	sessions repository.SessionRepository,
	projects repository.ProjectRepository,
	policies *policy.Engine,
	ledger *quota.Ledger,
	guard *budget.Guard,
	vlt *vault.Vault,
	engine terraform.Runner,
	publisher events.Publisher,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Machine {
	cfg.fillDefaults()
	return &Machine{
		sessions:  sessions,
		projects:  projects,
		policies:  policies,
		ledger:    ledger,
		budget:    guard,
		vault:     vlt,
		engine:    engine,
		publisher: publisher,
		logger:    logger.With("component", "session"),
		metrics:   m,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

func (m *Machine) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// Create registers a new deployment request in pending state. No policy or
// quota is evaluated yet; denial-free creation keeps the request auditable
// even when it is later refused.
func (m *Machine) Create(ctx context.Context, projectID, principal string, resources []domain.ResourceSpec) (*domain.DeploymentSession, error) {
	if len(resources) == 0 {
		return nil, errors.New("session: at least one resource is required")
	}
	project, err := m.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project.Status != domain.ProjectStatusActive {
		return nil, errProjectNotDeployable
	}

	now := m.now().UTC()
	var hourly float64
	specs := make([]domain.ResourceSpec, len(resources))
	for i, r := range resources {
		if r.Count <= 0 {
			r.Count = 1
		}
		if r.Region == "" {
			r.Region = project.Region
		}
		hourly += r.HourlyCost * float64(r.Count)
		specs[i] = r
	}

	sess := domain.DeploymentSession{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Principal:  principal,
		Provider:   project.Provider,
		Resources:  specs,
		HourlyCost: hourly,
		Status:     domain.SessionPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TTL),
		UpdatedAt:  now,
	}
	if m.cfg.WorkspaceRoot != "" {
		sess.WorkingDir = filepath.Join(m.cfg.WorkspaceRoot, sess.ID)
		if err := os.MkdirAll(sess.WorkingDir, 0o755); err != nil {
			return nil, fmt.Errorf("create working dir: %w", err)
		}
	}
	if err := m.sessions.CreateSession(ctx, &sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.metrics.SessionStatus(domain.SessionPending)
	m.logger.Info("session created",
		"session_id", sess.ID, "project_id", projectID, "principal", principal,
		"resources", len(specs), "hourly_cost", hourly, "expires_at", sess.ExpiresAt)
	m.publish(ctx, &sess, "created")
	return &sess, nil
}

// Get returns the stored session.
func (m *Machine) Get(ctx context.Context, sessionID string) (*domain.DeploymentSession, error) {
	return m.sessions.GetSessionByID(ctx, sessionID)
}

// ListByProject returns the project's most recent sessions.
func (m *Machine) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.DeploymentSession, error) {
	return m.sessions.ListSessionsByProject(ctx, projectID, limit)
}

// Approve runs the full guard path for a pending session: policy verdict,
// quota check for every declared resource, then the budget ceiling. Nothing
// is consumed here; check-then-commit defers consumption to a successful
// apply. A needs-approval verdict leaves the session pending and returns
// ApprovalRequiredError so a privileged caller can confirm it.
func (m *Machine) Approve(ctx context.Context, sessionID string) error {
	return m.approve(ctx, sessionID, false)
}

// ApproveEscalated is Approve with needs-approval verdicts treated as
// satisfied. Callers must verify the confirming principal's privilege before
// invoking it; hard denies still deny.
func (m *Machine) ApproveEscalated(ctx context.Context, sessionID string) error {
	return m.approve(ctx, sessionID, true)
}

func (m *Machine) approve(ctx context.Context, sessionID string, escalated bool) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionPending {
		return &TransitionError{SessionID: sessionID, From: sess.Status, Attempted: domain.SessionApproved}
	}
	project, err := m.projects.GetProjectByID(ctx, sess.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	for _, r := range sess.Resources {
		verdict, err := m.policies.Evaluate(ctx, project.GuildID, policy.Candidate{
			ProjectID:            sess.ProjectID,
			ResourceType:         r.Type,
			Region:               r.Region,
			InstanceClass:        r.InstanceClass,
			Count:                r.Count,
			EstimatedMonthlyCost: r.HourlyCost * float64(r.Count) * hoursPerMonth,
			DiskSizeGB:           r.DiskSizeGB,
		})
		if err != nil {
			return fmt.Errorf("evaluate policy: %w", err)
		}
		switch verdict.Decision {
		case policy.DecisionDeny:
			m.logger.Info("session denied by policy",
				"session_id", sessionID, "policy", verdict.FailedPolicy, "reasons", verdict.Reasons)
			return &PolicyViolationError{Policy: verdict.FailedPolicy, Reasons: verdict.Reasons}
		case policy.DecisionNeedsApproval:
			if !escalated {
				m.logger.Info("session needs privileged approval",
					"session_id", sessionID, "policy", verdict.FailedPolicy, "reasons", verdict.Reasons)
				return &ApprovalRequiredError{Policy: verdict.FailedPolicy, Reasons: verdict.Reasons}
			}
		}
	}

	for _, r := range sess.Resources {
		decision, err := m.ledger.Check(ctx, sess.ProjectID, r.Type, r.Region, r.Count)
		if err != nil {
			return fmt.Errorf("check quota: %w", err)
		}
		if !decision.Allowed {
			m.logger.Info("session denied by quota",
				"session_id", sessionID, "resource_type", r.Type, "reason", decision.Reason)
			return &quota.ExceededError{Limit: decision.Limit, Used: decision.Used, Requested: decision.Requested}
		}
	}

	if err := m.budget.EnsureWithinCeiling(ctx, sess.ProjectID, sess.HourlyCost); err != nil {
		return err
	}

	return m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID: sessionID,
		Status:    domain.SessionApproved,
	})
}

// Plan runs the engine's dry run. A failed plan keeps the session approved
// so the operator can fix the workspace and retry; only cancel or expiry
// ends it. A clean plan records the change counts and moves to planned.
func (m *Machine) Plan(ctx context.Context, sessionID string) (terraform.PlanResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return terraform.PlanResult{}, err
	}
	if sess.Status != domain.SessionApproved && sess.Status != domain.SessionPlanned {
		return terraform.PlanResult{}, &TransitionError{SessionID: sessionID, From: sess.Status, Attempted: domain.SessionPlanned}
	}

	planCtx, cancel := context.WithTimeout(ctx, m.cfg.PlanTimeout)
	defer cancel()
	result, err := m.engine.Plan(planCtx, sess.WorkingDir, nil)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if len(result.Errors) > 0 {
		m.logger.Warn("plan failed", "session_id", sessionID, "errors", result.Errors)
		if uerr := m.sessions.UpdateSessionStatus(ctx, domain.SessionStatusUpdate{
			SessionID: sessionID,
			Status:    sess.Status,
			Error:     strings.Join(result.Errors, "; "),
		}); uerr != nil {
			m.logger.Error("record plan failure", "session_id", sessionID, "error", uerr)
		}
		return result, &EngineError{Op: "plan", Errors: result.Errors}
	}

	if err := m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID:    sessionID,
		Status:       domain.SessionPlanned,
		HasPlan:      true,
		PlanAdds:     result.AddCount,
		PlanChanges:  result.ChangeCount,
		PlanDestroys: result.DestroyCount,
	}); err != nil {
		return result, err
	}
	m.logger.Info("plan recorded",
		"session_id", sessionID, "adds", result.AddCount,
		"changes", result.ChangeCount, "destroys", result.DestroyCount)
	return result, nil
}

// Apply performs the real change. It is only reachable from planned; that
// guard is what keeps un-reviewed changes out of the cloud, so violations
// are logged loudly. On success quota is consumed for every resource as one
// all-or-nothing batch. A failed apply never rolls back already-created
// cloud resources; reconciliation is the operator's job.
func (m *Machine) Apply(ctx context.Context, sessionID string) (terraform.ApplyResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return terraform.ApplyResult{}, err
	}
	if sess.Status != domain.SessionPlanned {
		m.logger.Error("apply rejected: session has not passed plan review",
			"session_id", sessionID, "status", sess.Status)
		return terraform.ApplyResult{}, &TransitionError{SessionID: sessionID, From: sess.Status, Attempted: domain.SessionApplying}
	}

	if err := m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID: sessionID,
		Status:    domain.SessionApplying,
	}); err != nil {
		return terraform.ApplyResult{}, err
	}
	sess.Status = domain.SessionApplying

	env, cleanup, err := m.credentialEnv(sess)
	if err != nil {
		m.fail(ctx, sess, fmt.Sprintf("credentials unavailable: %v", err))
		return terraform.ApplyResult{}, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, m.cfg.ApplyTimeout)
	result, err := m.engine.Apply(applyCtx, sess.WorkingDir, env)
	cancel()
	cleanup()

	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if !result.Success || len(result.Errors) > 0 {
		result.Success = false
		m.fail(ctx, sess, strings.Join(result.Errors, "; "))
		return result, &EngineError{Op: "apply", Errors: result.Errors}
	}

	if err := m.consumeQuota(ctx, sess); err != nil {
		m.fail(ctx, sess, fmt.Sprintf("quota commit failed after apply: %v", err))
		return result, err
	}

	completedAt := m.now().UTC()
	if err := m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID:   sessionID,
		Status:      domain.SessionCompleted,
		CompletedAt: &completedAt,
	}); err != nil {
		return result, err
	}
	m.vault.Purge(sessionID)
	m.logger.Info("apply completed", "session_id", sessionID, "project_id", sess.ProjectID)
	return result, nil
}

// Cancel ends any non-terminal session. Nothing is released because nothing
// is consumed before completed.
func (m *Machine) Cancel(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if domain.SessionTerminal(sess.Status) {
		return &TransitionError{SessionID: sessionID, From: sess.Status, Attempted: domain.SessionCancelled}
	}
	if err := m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID: sessionID,
		Status:    domain.SessionCancelled,
	}); err != nil {
		return err
	}
	m.vault.Purge(sessionID)
	m.logger.Info("session cancelled", "session_id", sessionID, "was", sess.Status)
	return nil
}

// Run executes the expiry sweep until the context is cancelled.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("session expiry sweep started", "interval", m.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session expiry sweep stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce force-expires non-terminal sessions past their deadline. Expired
// sessions never consume quota.
func (m *Machine) sweepOnce(ctx context.Context) {
	started := m.now()
	defer func() {
		m.metrics.ObserveSweep("session", m.now().Sub(started).Seconds())
	}()

	stale, err := m.sessions.ListSessionsExpiredBefore(ctx, m.now().UTC())
	if err != nil {
		m.logger.Error("session sweep list failed", "error", err)
		return
	}
	for i := range stale {
		sess := stale[i]
		lock := m.sessionLock(sess.ID)
		lock.Lock()
		current, err := m.sessions.GetSessionByID(ctx, sess.ID)
		if err == nil && !domain.SessionTerminal(current.Status) {
			if err := m.transition(ctx, current, domain.SessionStatusUpdate{
				SessionID: sess.ID,
				Status:    domain.SessionExpired,
			}); err != nil {
				m.logger.Error("session expire failed", "session_id", sess.ID, "error", err)
			} else {
				m.vault.Purge(sess.ID)
				m.logger.Info("session expired", "session_id", sess.ID, "was", current.Status)
			}
		}
		lock.Unlock()
	}
}

// credentialEnv pulls the session's credentials from the vault, writes them
// to a file inside the working directory, and returns the engine environment
// pointing at it. The cleanup function removes the file and must run as soon
// as the engine call returns, success or not.
func (m *Machine) credentialEnv(sess *domain.DeploymentSession) (map[string]string, func(), error) {
	payload, err := m.vault.Read(sess.ID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.CreateTemp(sess.WorkingDir, ".credentials-*")
	if err != nil {
		return nil, nil, fmt.Errorf("write credentials file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("write credentials file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("write credentials file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Error("remove credentials file", "session_id", sess.ID, "error", err)
		}
	}
	return map[string]string{"TF_VAR_credentials_file": path}, cleanup, nil
}

// consumeQuota commits usage for every resource in the session. The batch is
// all-or-nothing: a mid-batch failure releases what this batch already
// consumed before the error surfaces.
func (m *Machine) consumeQuota(ctx context.Context, sess *domain.DeploymentSession) error {
	type committed struct {
		resourceType string
		region       string
		amount       int
	}
	var done []committed
	for _, r := range sess.Resources {
		if err := m.ledger.Consume(ctx, sess.ProjectID, r.Type, r.Region, r.Count); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				d := done[i]
				if rerr := m.ledger.Release(ctx, sess.ProjectID, d.resourceType, d.region, d.amount); rerr != nil {
					m.logger.Error("quota rollback failed",
						"session_id", sess.ID, "resource_type", d.resourceType, "error", rerr)
				}
			}
			return err
		}
		done = append(done, committed{resourceType: r.Type, region: r.Region, amount: r.Count})
	}
	return nil
}

func (m *Machine) fail(ctx context.Context, sess *domain.DeploymentSession, reason string) {
	completedAt := m.now().UTC()
	if err := m.transition(ctx, sess, domain.SessionStatusUpdate{
		SessionID:   sess.ID,
		Status:      domain.SessionFailed,
		Error:       reason,
		CompletedAt: &completedAt,
	}); err != nil {
		m.logger.Error("record apply failure", "session_id", sess.ID, "error", err)
	}
	m.logger.Error("apply failed", "session_id", sess.ID, "reason", reason)
}

func (m *Machine) transition(ctx context.Context, sess *domain.DeploymentSession, update domain.SessionStatusUpdate) error {
	if err := m.sessions.UpdateSessionStatus(ctx, update); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	m.metrics.SessionStatus(update.Status)
	copied := *sess
	copied.Status = update.Status
	m.publish(ctx, &copied, "")
	return nil
}

func (m *Machine) publish(ctx context.Context, sess *domain.DeploymentSession, reason string) {
	if m.publisher == nil {
		return
	}
	var guildID string
	if project, err := m.projects.GetProjectByID(ctx, sess.ProjectID); err == nil {
		guildID = project.GuildID
	} else {
		m.logger.Warn("resolve guild for event", "session_id", sess.ID, "error", err)
	}
	m.publisher.Publish(ctx, events.Event{
		Kind:      events.KindSessionStatus,
		GuildID:   guildID,
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		Principal: sess.Principal,
		Status:    sess.Status,
		Reason:    reason,
		At:        m.now().UTC(),
	})
}
