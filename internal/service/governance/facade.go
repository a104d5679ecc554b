// Package governance is the single entry point for the command and UI
// layer. It composes the policy engine, quota ledger, budget guard, vault,
// session machine and JIT registry; nothing outside this package reaches
// those components directly.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/engine/terraform"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/budget"
	"github.com/splax/warden/internal/service/jit"
	"github.com/splax/warden/internal/service/quota"
	"github.com/splax/warden/internal/service/session"
	"github.com/splax/warden/internal/service/vault"
)

const defaultBlobTTL = 24 * time.Hour

var (
	// ErrPermissionDenied means the principal lacks an active JIT grant at
	// the required level.
	ErrPermissionDenied = errors.New("governance: permission denied")

	// ErrProjectInUse blocks deletion while the project still holds
	// consumed quota.
	ErrProjectInUse = errors.New("governance: project still has active resources")
)

// CreateProjectParams carries everything needed to establish a project.
type CreateProjectParams struct {
	ID             string
	GuildID        string
	OwnerID        string
	Provider       string
	Region         string
	MonthlyBudget  float64
	AlertThreshold float64
}

// Facade exposes the governance operations.
type Facade struct {
	projects repository.ProjectRepository
	blobs    repository.RecoveryBlobRepository
	ledger   *quota.Ledger
	budget   *budget.Guard
	vault    *vault.Vault
	sessions *session.Machine
	jit      *jit.Registry
	logger   *slog.Logger

	blobTTL time.Duration
	now     func() time.Time
}

// New returns the governance facade. A non-positive blobTTL falls back to
// 24 hours.
func New(
	projects repository.ProjectRepository,
	blobs repository.RecoveryBlobRepository,
	ledger *quota.Ledger,
	guard *budget.Guard,
	vlt *vault.Vault,
	sessions *session.Machine,
	registry *jit.Registry,
	logger *slog.Logger,
	blobTTL time.Duration,
) *Facade {
	if blobTTL <= 0 {
		blobTTL = defaultBlobTTL
	}
	return &Facade{
		projects: projects,
		blobs:    blobs,
		ledger:   ledger,
		budget:   guard,
		vault:    vlt,
		sessions: sessions,
		jit:      registry,
		logger:   logger.With("component", "governance"),
		blobTTL:  blobTTL,
		now:      time.Now,
	}
}

// CreateProject establishes a project with seeded default quotas and an
// optional budget alert.
func (f *Facade) CreateProject(ctx context.Context, params CreateProjectParams) (*domain.Project, error) {
	if params.GuildID == "" || params.OwnerID == "" {
		return nil, errors.New("governance: guild and owner are required")
	}
	now := f.now().UTC()
	project := domain.Project{
		ID:            params.ID,
		GuildID:       params.GuildID,
		OwnerID:       params.OwnerID,
		Provider:      params.Provider,
		Region:        params.Region,
		MonthlyBudget: params.MonthlyBudget,
		Status:        domain.ProjectStatusActive,
		CreatedAt:     now,
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if err := f.projects.CreateProject(ctx, &project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if err := f.ledger.SeedDefaults(ctx, project.ID, project.Region, now); err != nil {
		return nil, fmt.Errorf("seed quotas: %w", err)
	}
	if params.AlertThreshold > 0 {
		if err := f.budget.ConfigureAlert(ctx, project.ID, params.AlertThreshold); err != nil {
			return nil, fmt.Errorf("configure budget alert: %w", err)
		}
	}
	f.logger.Info("project created",
		"project_id", project.ID, "guild_id", project.GuildID, "owner_id", project.OwnerID)
	return &project, nil
}

// DeleteProject marks a project deleted. Deletion is refused while any quota
// remains consumed; resources must be destroyed first.
func (f *Facade) DeleteProject(ctx context.Context, projectID string) error {
	used, err := f.ledger.TotalUsage(ctx, projectID)
	if err != nil {
		return fmt.Errorf("sum usage: %w", err)
	}
	if used > 0 {
		return fmt.Errorf("%w: %d units consumed", ErrProjectInUse, used)
	}
	if err := f.projects.UpdateProjectStatus(ctx, projectID, domain.ProjectStatusDeleted); err != nil {
		return err
	}
	f.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// SetProjectBudget updates the monthly ceiling.
func (f *Facade) SetProjectBudget(ctx context.Context, projectID string, monthlyBudget float64) error {
	return f.projects.UpdateProjectBudget(ctx, projectID, monthlyBudget)
}

// SetQuota sets the limit for one quota key.
func (f *Facade) SetQuota(ctx context.Context, projectID, resourceType, region string, limit int, unit string) error {
	return f.ledger.SetLimit(ctx, projectID, resourceType, region, limit, unit)
}

// RequestDeployment creates a deployment session and runs the guard path.
// On a clean pass the returned session is approved and ready to plan. A
// needs-approval verdict returns the session id together with
// ApprovalRequiredError; the session stays pending until a privileged
// principal confirms it through ApproveSession. Hard denials cancel the
// session so a refused request leaves no live state behind.
func (f *Facade) RequestDeployment(ctx context.Context, projectID, principal string, resources []domain.ResourceSpec) (string, error) {
	sess, err := f.sessions.Create(ctx, projectID, principal, resources)
	if err != nil {
		return "", err
	}
	err = f.sessions.Approve(ctx, sess.ID)
	if err == nil {
		return sess.ID, nil
	}

	var approval *session.ApprovalRequiredError
	if errors.As(err, &approval) {
		return sess.ID, err
	}
	if cerr := f.sessions.Cancel(ctx, sess.ID); cerr != nil {
		f.logger.Error("cancel denied session", "session_id", sess.ID, "error", cerr)
	}
	return "", err
}

// ApproveSession confirms a pending needs-approval session. The confirming
// principal must hold an active JIT grant at deployer level or above in the
// project's guild.
func (f *Facade) ApproveSession(ctx context.Context, sessionID, principal string) error {
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	project, err := f.projects.GetProjectByID(ctx, sess.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	ok, err := f.jit.HasLevel(ctx, principal, project.GuildID, domain.JitLevelDeployer)
	if err != nil {
		return fmt.Errorf("check grant: %w", err)
	}
	if !ok {
		f.logger.Warn("session approval refused",
			"session_id", sessionID, "principal", principal, "guild_id", project.GuildID)
		return ErrPermissionDenied
	}
	f.logger.Info("session approved by privileged principal",
		"session_id", sessionID, "principal", principal)
	return f.sessions.ApproveEscalated(ctx, sessionID)
}

// RunPlan executes the engine dry run for an approved session.
func (f *Facade) RunPlan(ctx context.Context, sessionID string) (terraform.PlanResult, error) {
	return f.sessions.Plan(ctx, sessionID)
}

// ConfirmApply performs the real change for a planned session. After a
// successful apply the project's spend is re-projected and the budget alert
// gets a chance to fire; alert failures are logged, never fatal.
func (f *Facade) ConfirmApply(ctx context.Context, sessionID string) (terraform.ApplyResult, error) {
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return terraform.ApplyResult{}, err
	}
	result, err := f.sessions.Apply(ctx, sessionID)
	if err != nil {
		return result, err
	}

	spend, perr := f.budget.Projection(ctx, sess.ProjectID, 0)
	if perr != nil {
		f.logger.Error("spend projection failed", "project_id", sess.ProjectID, "error", perr)
		return result, nil
	}
	if _, aerr := f.budget.CheckAlert(ctx, sess.ProjectID, spend); aerr != nil && !errors.Is(aerr, repository.ErrNotFound) {
		f.logger.Error("budget alert check failed", "project_id", sess.ProjectID, "error", aerr)
	}
	return result, nil
}

// CancelSession ends a non-terminal session.
func (f *Facade) CancelSession(ctx context.Context, sessionID string) error {
	return f.sessions.Cancel(ctx, sessionID)
}

// GetSession returns the stored session state.
func (f *Facade) GetSession(ctx context.Context, sessionID string) (*domain.DeploymentSession, error) {
	return f.sessions.Get(ctx, sessionID)
}

// GrantPermission issues a time-bounded permission elevation.
func (f *Facade) GrantPermission(ctx context.Context, principal, guildID, provider, level, grantedBy string, durationMinutes int) (*jit.GrantResult, error) {
	return f.jit.Grant(ctx, principal, guildID, provider, level, grantedBy, time.Duration(durationMinutes)*time.Minute)
}

// RevokePermission ends a grant ahead of expiry.
func (f *Facade) RevokePermission(ctx context.Context, grantID int64) error {
	return f.jit.Revoke(ctx, grantID)
}

// OpenVaultSession admits credentials for a deployment session.
func (f *Facade) OpenVaultSession(sessionID string, payload []byte) error {
	return f.vault.Open(sessionID, payload)
}

// GetVaultPayload returns the session's plaintext credentials, subject to
// the vault's expiry rules.
func (f *Facade) GetVaultPayload(sessionID string) ([]byte, error) {
	return f.vault.Read(sessionID)
}

// UpdateVaultPayload replaces the credentials and slides the expiry.
func (f *Facade) UpdateVaultPayload(sessionID string, payload []byte) error {
	return f.vault.Update(sessionID, payload)
}

// IssueRecovery encrypts the session's payload under a passphrase-derived
// key and stores the blob durably. The blob is ciphertext plus salt; neither
// the passphrase nor any derived key is stored alongside it.
func (f *Facade) IssueRecovery(ctx context.Context, sessionID, passphrase string) error {
	blob, err := f.vault.IssueRecoveryBlob(sessionID, passphrase)
	if err != nil {
		return err
	}
	blob.ExpiresAt = f.now().UTC().Add(f.blobTTL)
	if err := f.blobs.UpsertRecoveryBlob(ctx, blob); err != nil {
		return fmt.Errorf("store recovery blob: %w", err)
	}
	f.logger.Info("recovery blob issued", "session_id", sessionID, "expires_at", blob.ExpiresAt)
	return nil
}

// RecoverVaultSession re-admits a session from its durable blob after a
// process restart. An expired blob reads the same as a missing one.
func (f *Facade) RecoverVaultSession(ctx context.Context, sessionID, passphrase string) error {
	blob, err := f.blobs.GetRecoveryBlob(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return vault.ErrSessionNotFound
		}
		return err
	}
	if !blob.ExpiresAt.IsZero() && !f.now().UTC().Before(blob.ExpiresAt) {
		if derr := f.blobs.DeleteRecoveryBlob(ctx, sessionID); derr != nil {
			f.logger.Error("delete expired recovery blob", "session_id", sessionID, "error", derr)
		}
		return vault.ErrSessionNotFound
	}
	if err := f.vault.Recover(sessionID, blob, passphrase); err != nil {
		return err
	}
	f.logger.Info("vault session recovered", "session_id", sessionID)
	return nil
}

// RunBlobJanitor prunes expired recovery blobs until the context is
// cancelled.
func (f *Facade) RunBlobJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("recovery blob janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("recovery blob janitor stopped")
			return
		case <-ticker.C:
			n, err := f.blobs.DeleteExpiredRecoveryBlobs(ctx, f.now().UTC())
			if err != nil {
				f.logger.Error("prune recovery blobs", "error", err)
				continue
			}
			if n > 0 {
				f.logger.Info("pruned recovery blobs", "count", n)
			}
		}
	}
}
