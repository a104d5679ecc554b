package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/quota"
)

type stubPolicyRepository struct {
	policies map[string][]domain.Policy
}

func (s *stubPolicyRepository) UpsertPolicy(ctx context.Context, policy *domain.Policy) error {
	return nil
}

func (s *stubPolicyRepository) ListActivePoliciesByGuild(ctx context.Context, guildID string) ([]domain.Policy, error) {
	return append([]domain.Policy(nil), s.policies[guildID]...), nil
}

func (s *stubPolicyRepository) DeletePolicy(ctx context.Context, guildID, name string) error {
	return nil
}

type stubQuotaRepository struct {
	usedByType map[string]int
}

func (s *stubQuotaRepository) UpsertQuota(ctx context.Context, quota *domain.Quota) error { return nil }
func (s *stubQuotaRepository) GetQuota(ctx context.Context, projectID, resourceType, region string) (*domain.Quota, error) {
	return nil, repository.ErrNotFound
}
func (s *stubQuotaRepository) AddQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error {
	return nil
}
func (s *stubQuotaRepository) ReleaseQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error {
	return nil
}
func (s *stubQuotaRepository) SumQuotaUsage(ctx context.Context, projectID string) (int, error) {
	return 0, nil
}
func (s *stubQuotaRepository) SumUsageByType(ctx context.Context, projectID, resourceType string) (int, error) {
	return s.usedByType[resourceType], nil
}

func newTestEngine(policies map[string][]domain.Policy, usedByType map[string]int) *Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := quota.NewLedger(&stubQuotaRepository{usedByType: usedByType}, log, nil)
	return NewEngine(&stubPolicyRepository{policies: policies}, ledger, log, nil)
}

func regionPolicy(name string, priority int, allowed []string, requireApproval bool) domain.Policy {
	return domain.Policy{
		GuildID:         "guild-1",
		Name:            name,
		Type:            domain.PolicyTypeRegion,
		ResourcePattern: "*",
		AllowedValues:   allowed,
		RequireApproval: requireApproval,
		Priority:        priority,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestFirstMatchByPriorityShortCircuits(t *testing.T) {
	// The priority-5 policy denies eu regions; the priority-50 policy would
	// allow everything. Lower priority number evaluates first and wins.
	engine := newTestEngine(map[string][]domain.Policy{
		"guild-1": {
			regionPolicy("deny-eu", 5, []string{"us-central1"}, false),
			regionPolicy("allow-all", 50, nil, false),
		},
	}, nil)

	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "eu-west1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Denied() {
		t.Fatalf("expected deny, got %q", verdict.Decision)
	}
	if verdict.FailedPolicy != "deny-eu" {
		t.Fatalf("expected deny-eu to decide, got %q", verdict.FailedPolicy)
	}
}

func TestEvaluateOrdersPoliciesItself(t *testing.T) {
	// The store hands back the deny before the lower-numbered approval gate;
	// evaluation must still apply the priority-5 policy first.
	engine := newTestEngine(map[string][]domain.Policy{
		"guild-1": {
			regionPolicy("deny-eu", 50, []string{"us-central1"}, false),
			regionPolicy("gate-eu", 5, []string{"us-central1"}, true),
		},
	}, nil)

	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "eu-west1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Decision != DecisionNeedsApproval {
		t.Fatalf("expected needs_approval from gate-eu, got %q", verdict.Decision)
	}
	if verdict.FailedPolicy != "gate-eu" {
		t.Fatalf("expected gate-eu to decide, got %q", verdict.FailedPolicy)
	}
}

func TestRequireApprovalYieldsNeedsApproval(t *testing.T) {
	engine := newTestEngine(map[string][]domain.Policy{
		"guild-1": {regionPolicy("gate-regions", 10, []string{"us-central1"}, true)},
	}, nil)

	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "ap-south1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Decision != DecisionNeedsApproval {
		t.Fatalf("expected needs_approval, got %q", verdict.Decision)
	}
}

func TestAbsenceOfFailuresAllows(t *testing.T) {
	engine := newTestEngine(map[string][]domain.Policy{
		"guild-1": {regionPolicy("regions", 10, []string{"us-central1"}, false)},
	}, nil)

	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "us-central1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Allowed() {
		t.Fatalf("expected allow, got %+v", verdict)
	}
}

func TestDefaultPoliciesApplyWhenGuildHasNone(t *testing.T) {
	engine := newTestEngine(map[string][]domain.Policy{}, nil)
	ctx := context.Background()

	verdict, err := engine.Evaluate(ctx, "guild-unconfigured", Candidate{
		ProjectID:     "proj-1",
		ResourceType:  "vm",
		Region:        "us-central1",
		InstanceClass: "c3-metal-192",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Denied() {
		t.Fatalf("expected default security policy to deny bare metal, got %q", verdict.Decision)
	}

	verdict, err = engine.Evaluate(ctx, "guild-unconfigured", Candidate{
		ProjectID:            "proj-1",
		ResourceType:         "vm",
		Region:               "us-central1",
		InstanceClass:        "e2-small",
		EstimatedMonthlyCost: 9000,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Decision != DecisionNeedsApproval {
		t.Fatalf("expected default cost policy to demand approval, got %q", verdict.Decision)
	}
}

func TestQuotaPolicyConsultsLedgerCounts(t *testing.T) {
	policies := map[string][]domain.Policy{
		"guild-1": {{
			GuildID:         "guild-1",
			Name:            "vm-ceiling",
			Type:            domain.PolicyTypeQuota,
			ResourcePattern: "vm",
			MaxInstances:    4,
			Priority:        10,
			Active:          true,
		}},
	}
	engine := newTestEngine(policies, map[string]int{"vm": 3})

	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "us-central1",
		Count:        2,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Denied() {
		t.Fatalf("expected deny at instance ceiling, got %q", verdict.Decision)
	}
}

func TestResourcePatternScopesPolicy(t *testing.T) {
	policies := map[string][]domain.Policy{
		"guild-1": {{
			GuildID:         "guild-1",
			Name:            "db-regions",
			Type:            domain.PolicyTypeRegion,
			ResourcePattern: "database*",
			AllowedValues:   []string{"us-central1"},
			Priority:        10,
			Active:          true,
		}},
	}
	engine := newTestEngine(policies, nil)

	// A vm outside the allowed region is untouched by the database policy.
	verdict, err := engine.Evaluate(context.Background(), "guild-1", Candidate{
		ProjectID:    "proj-1",
		ResourceType: "vm",
		Region:       "eu-west1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Allowed() {
		t.Fatalf("expected allow for unmatched resource, got %+v", verdict)
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	engine := newTestEngine(map[string][]domain.Policy{
		"guild-1": {
			regionPolicy("deny-eu", 5, []string{"us-central1"}, false),
			regionPolicy("allow-all", 50, nil, false),
		},
	}, nil)
	candidate := Candidate{ProjectID: "proj-1", ResourceType: "vm", Region: "eu-west1"}

	first, err := engine.Evaluate(context.Background(), "guild-1", candidate)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := engine.Evaluate(context.Background(), "guild-1", candidate)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if again.Decision != first.Decision || again.FailedPolicy != first.FailedPolicy {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, again)
		}
	}
}
