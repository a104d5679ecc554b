package repository

import (
	"context"
	"time"

	"github.com/splax/warden/internal/domain"
)

// ProjectRepository persists infrastructure namespaces.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByGuild(ctx context.Context, guildID string) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID, status string) error
	UpdateProjectBudget(ctx context.Context, projectID string, monthlyBudget float64) error
}

// QuotaRepository persists quota rows; usage mutations are atomic in SQL.
type QuotaRepository interface {
	UpsertQuota(ctx context.Context, quota *domain.Quota) error
	GetQuota(ctx context.Context, projectID, resourceType, region string) (*domain.Quota, error)
	AddQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error
	ReleaseQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error
	SumQuotaUsage(ctx context.Context, projectID string) (int, error)
	SumUsageByType(ctx context.Context, projectID, resourceType string) (int, error)
}

// PolicyRepository persists guild policy sets.
type PolicyRepository interface {
	UpsertPolicy(ctx context.Context, policy *domain.Policy) error
	ListActivePoliciesByGuild(ctx context.Context, guildID string) ([]domain.Policy, error)
	DeletePolicy(ctx context.Context, guildID, name string) error
}

// SessionRepository stores deployment session state.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.DeploymentSession) error
	GetSessionByID(ctx context.Context, sessionID string) (*domain.DeploymentSession, error)
	UpdateSessionStatus(ctx context.Context, update domain.SessionStatusUpdate) error
	ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]domain.DeploymentSession, error)
	ListSessionsExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.DeploymentSession, error)
	SumCompletedHourlyCost(ctx context.Context, projectID string) (float64, error)
}

// JitRepository stores time-bounded permission grants.
type JitRepository interface {
	CreateGrant(ctx context.Context, grant *domain.JitGrant) error
	GetGrantByID(ctx context.Context, grantID int64) (*domain.JitGrant, error)
	ListUnrevokedGrants(ctx context.Context, principal, guildID string) ([]domain.JitGrant, error)
	ListExpiredUnrevoked(ctx context.Context, cutoff time.Time) ([]domain.JitGrant, error)
	RevokeGrant(ctx context.Context, grantID int64, revokedAt time.Time) error
}

// BudgetAlertRepository stores one-shot spend alerts.
type BudgetAlertRepository interface {
	UpsertBudgetAlert(ctx context.Context, alert *domain.BudgetAlert) error
	GetBudgetAlert(ctx context.Context, projectID string) (*domain.BudgetAlert, error)
	TriggerBudgetAlert(ctx context.Context, projectID string, spend float64, at time.Time) (bool, error)
	ResetBudgetAlert(ctx context.Context, projectID string) error
}

// RecoveryBlobRepository stores passphrase-encrypted vault recovery blobs.
// Plaintext never passes through this interface.
type RecoveryBlobRepository interface {
	UpsertRecoveryBlob(ctx context.Context, blob *domain.RecoveryBlob) error
	GetRecoveryBlob(ctx context.Context, sessionID string) (*domain.RecoveryBlob, error)
	DeleteRecoveryBlob(ctx context.Context, sessionID string) error
	DeleteExpiredRecoveryBlobs(ctx context.Context, cutoff time.Time) (int64, error)
}
