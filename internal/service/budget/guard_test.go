package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/events"
	"github.com/splax/warden/internal/repository"
)

type stubProjectRepository struct {
	projects map[string]domain.Project
}

func (s *stubProjectRepository) CreateProject(ctx context.Context, project *domain.Project) error {
	return nil
}
func (s *stubProjectRepository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if p, ok := s.projects[projectID]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}
func (s *stubProjectRepository) ListProjectsByGuild(ctx context.Context, guildID string) ([]domain.Project, error) {
	return nil, nil
}
func (s *stubProjectRepository) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	return nil
}
func (s *stubProjectRepository) UpdateProjectBudget(ctx context.Context, projectID string, monthlyBudget float64) error {
	return nil
}

type stubSessionCosts struct {
	hourly map[string]float64
}

func (s *stubSessionCosts) CreateSession(ctx context.Context, session *domain.DeploymentSession) error {
	return nil
}
func (s *stubSessionCosts) GetSessionByID(ctx context.Context, sessionID string) (*domain.DeploymentSession, error) {
	return nil, repository.ErrNotFound
}
func (s *stubSessionCosts) UpdateSessionStatus(ctx context.Context, update domain.SessionStatusUpdate) error {
	return nil
}
func (s *stubSessionCosts) ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]domain.DeploymentSession, error) {
	return nil, nil
}
func (s *stubSessionCosts) ListSessionsExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.DeploymentSession, error) {
	return nil, nil
}
func (s *stubSessionCosts) SumCompletedHourlyCost(ctx context.Context, projectID string) (float64, error) {
	return s.hourly[projectID], nil
}

type stubAlertRepository struct {
	alerts map[string]*domain.BudgetAlert
}

func (s *stubAlertRepository) UpsertBudgetAlert(ctx context.Context, alert *domain.BudgetAlert) error {
	if existing, ok := s.alerts[alert.ProjectID]; ok {
		existing.Threshold = alert.Threshold
		return nil
	}
	copied := *alert
	s.alerts[alert.ProjectID] = &copied
	return nil
}
func (s *stubAlertRepository) GetBudgetAlert(ctx context.Context, projectID string) (*domain.BudgetAlert, error) {
	if a, ok := s.alerts[projectID]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}
func (s *stubAlertRepository) TriggerBudgetAlert(ctx context.Context, projectID string, spend float64, at time.Time) (bool, error) {
	a, ok := s.alerts[projectID]
	if !ok {
		return false, repository.ErrNotFound
	}
	a.CurrentSpend = spend
	if a.Triggered || spend < a.Threshold {
		return false, nil
	}
	a.Triggered = true
	a.TriggeredAt = &at
	return true, nil
}
func (s *stubAlertRepository) ResetBudgetAlert(ctx context.Context, projectID string) error {
	a, ok := s.alerts[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Triggered = false
	a.TriggeredAt = nil
	return nil
}

func newTestGuard(projects map[string]domain.Project, hourly map[string]float64, alerts *stubAlertRepository) *Guard {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if alerts == nil {
		alerts = &stubAlertRepository{alerts: make(map[string]*domain.BudgetAlert)}
	}
	return NewGuard(
		&stubProjectRepository{projects: projects},
		&stubSessionCosts{hourly: hourly},
		alerts,
		events.NewHub(4),
		log,
	)
}

func TestProjectionAddsProposedToExistingSpend(t *testing.T) {
	guard := newTestGuard(nil, map[string]float64{"proj-1": 0.5}, nil)

	projected, err := guard.Projection(context.Background(), "proj-1", 1.5)
	if err != nil {
		t.Fatalf("Projection: %v", err)
	}
	want := (0.5 + 1.5) * 24 * 30
	if projected != want {
		t.Fatalf("projection mismatch: got %.2f, want %.2f", projected, want)
	}
}

func TestEnsureWithinCeiling(t *testing.T) {
	projects := map[string]domain.Project{
		"proj-1": {ID: "proj-1", MonthlyBudget: 1000},
		"proj-2": {ID: "proj-2", MonthlyBudget: 0},
	}
	guard := newTestGuard(projects, map[string]float64{"proj-1": 1.0}, nil)
	ctx := context.Background()

	err := guard.EnsureWithinCeiling(ctx, "proj-1", 1.0)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Ceiling != 1000 {
		t.Fatalf("unexpected ceiling in error: %+v", exceeded)
	}

	// An unbudgeted project always passes.
	if err := guard.EnsureWithinCeiling(ctx, "proj-2", 100); err != nil {
		t.Fatalf("unbudgeted project should pass, got %v", err)
	}
}

func TestAlertFiresExactlyOnce(t *testing.T) {
	alerts := &stubAlertRepository{alerts: map[string]*domain.BudgetAlert{
		"proj-1": {ProjectID: "proj-1", Threshold: 500},
	}}
	guard := newTestGuard(nil, nil, alerts)
	ctx := context.Background()

	fired, err := guard.CheckAlert(ctx, "proj-1", 600)
	if err != nil {
		t.Fatalf("CheckAlert: %v", err)
	}
	if !fired {
		t.Fatal("expected first breach to fire")
	}
	// Sustained breach must not re-fire.
	for i := 0; i < 5; i++ {
		fired, err = guard.CheckAlert(ctx, "proj-1", 700+float64(i))
		if err != nil {
			t.Fatalf("CheckAlert: %v", err)
		}
		if fired {
			t.Fatalf("alert re-fired on call %d without reset", i)
		}
	}
}

func TestAlertEventReachesGuildSubscribers(t *testing.T) {
	projects := map[string]domain.Project{
		"proj-1": {ID: "proj-1", GuildID: "guild-1"},
	}
	alerts := &stubAlertRepository{alerts: map[string]*domain.BudgetAlert{
		"proj-1": {ProjectID: "proj-1", Threshold: 500},
	}}
	hub := events.NewHub(4)
	defer hub.Close()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := NewGuard(&stubProjectRepository{projects: projects}, &stubSessionCosts{}, alerts, hub, log)

	ch, cancel := hub.Subscribe("guild-1")
	defer cancel()

	fired, err := guard.CheckAlert(context.Background(), "proj-1", 600)
	if err != nil || !fired {
		t.Fatalf("CheckAlert: fired=%v err=%v", fired, err)
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindBudgetAlert || e.GuildID != "guild-1" || e.ProjectID != "proj-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatal("guild subscriber missed the budget alert")
	}
}

func TestAlertRefiresAfterReset(t *testing.T) {
	alerts := &stubAlertRepository{alerts: map[string]*domain.BudgetAlert{
		"proj-1": {ProjectID: "proj-1", Threshold: 500},
	}}
	guard := newTestGuard(nil, nil, alerts)
	ctx := context.Background()

	if fired, _ := guard.CheckAlert(ctx, "proj-1", 600); !fired {
		t.Fatal("expected initial fire")
	}
	if err := guard.ResetAlert(ctx, "proj-1"); err != nil {
		t.Fatalf("ResetAlert: %v", err)
	}
	fired, err := guard.CheckAlert(ctx, "proj-1", 800)
	if err != nil {
		t.Fatalf("CheckAlert: %v", err)
	}
	if !fired {
		t.Fatal("expected alert to fire again after reset")
	}
}

func TestAlertBelowThresholdDoesNotFire(t *testing.T) {
	alerts := &stubAlertRepository{alerts: map[string]*domain.BudgetAlert{
		"proj-1": {ProjectID: "proj-1", Threshold: 500},
	}}
	guard := newTestGuard(nil, nil, alerts)

	fired, err := guard.CheckAlert(context.Background(), "proj-1", 499.99)
	if err != nil {
		t.Fatalf("CheckAlert: %v", err)
	}
	if fired {
		t.Fatal("alert fired below threshold")
	}
}
