package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/events"
	"github.com/splax/warden/internal/repository"
)

// hoursPerMonth is the fixed projection horizon: 24 hours over a 30 day
// month.
const hoursPerMonth = 24 * 30

// ExceededError reports a projection over the project's monthly ceiling.
type ExceededError struct {
	Projected float64
	Ceiling   float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: projected %.2f against ceiling %.2f", e.Projected, e.Ceiling)
}

// Guard projects hourly costs onto monthly ceilings and owns the one-shot
// spend alert latch.
type Guard struct {
	projects  repository.ProjectRepository
	sessions  repository.SessionRepository
	alerts    repository.BudgetAlertRepository
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewGuard returns a budget guard.
func NewGuard(projects repository.ProjectRepository, sessions repository.SessionRepository, alerts repository.BudgetAlertRepository, publisher events.Publisher, logger *slog.Logger) *Guard {
	return &Guard{
		projects:  projects,
		sessions:  sessions,
		alerts:    alerts,
		publisher: publisher,
		logger:    logger.With("component", "budget"),
		now:       time.Now,
	}
}

// Projection returns the monthly cost projection if the proposed hourly cost
// were added to the project's existing spend rate.
func (g *Guard) Projection(ctx context.Context, projectID string, proposedHourly float64) (float64, error) {
	existing, err := g.sessions.SumCompletedHourlyCost(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("existing hourly spend for %s: %w", projectID, err)
	}
	return (existing + proposedHourly) * hoursPerMonth, nil
}

// EnsureWithinCeiling projects the proposed cost and compares it to the
// project's monthly budget. A ceiling of zero means the project is
// unbudgeted and always passes.
func (g *Guard) EnsureWithinCeiling(ctx context.Context, projectID string, proposedHourly float64) error {
	project, err := g.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.MonthlyBudget <= 0 {
		return nil
	}
	projected, err := g.Projection(ctx, projectID, proposedHourly)
	if err != nil {
		return err
	}
	if projected > project.MonthlyBudget {
		return &ExceededError{Projected: projected, Ceiling: project.MonthlyBudget}
	}
	return nil
}

// CheckAlert compares the observed spend against the project's alert
// threshold. It returns true exactly once per latch: the first call at or
// above threshold flips the one-shot flag, every later call returns false
// until ResetAlert clears it. The trigger is edge, not level.
func (g *Guard) CheckAlert(ctx context.Context, projectID string, currentSpend float64) (bool, error) {
	fired, err := g.alerts.TriggerBudgetAlert(ctx, projectID, currentSpend, g.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !fired {
		return false, nil
	}
	g.logger.Warn("budget alert fired", "project_id", projectID, "current_spend", currentSpend)
	if g.publisher != nil {
		var guildID string
		if project, err := g.projects.GetProjectByID(ctx, projectID); err == nil {
			guildID = project.GuildID
		}
		g.publisher.Publish(ctx, events.Event{
			Kind:      events.KindBudgetAlert,
			GuildID:   guildID,
			ProjectID: projectID,
			Reason:    fmt.Sprintf("spend %.2f reached alert threshold", currentSpend),
			At:        g.now().UTC(),
		})
	}
	return true, nil
}

// ConfigureAlert creates or adjusts a project's alert threshold. The latch
// state survives threshold changes.
func (g *Guard) ConfigureAlert(ctx context.Context, projectID string, threshold float64) error {
	if threshold <= 0 {
		return errors.New("budget: alert threshold must be positive")
	}
	return g.alerts.UpsertBudgetAlert(ctx, &domain.BudgetAlert{
		ProjectID: projectID,
		Threshold: threshold,
	})
}

// ResetAlert clears the one-shot latch so the alert may fire again.
func (g *Guard) ResetAlert(ctx context.Context, projectID string) error {
	return g.alerts.ResetBudgetAlert(ctx, projectID)
}
