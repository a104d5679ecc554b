package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/quota"
)

// Verdict decisions.
const (
	DecisionAllow         = "allow"
	DecisionDeny          = "deny"
	DecisionNeedsApproval = "needs_approval"
)

// Verdict is the outcome of evaluating a guild's policy set against a
// candidate resource.
type Verdict struct {
	Decision     string
	FailedPolicy string
	Reasons      []string
}

// Allowed reports whether the candidate may proceed without further gates.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }

// Denied reports a hard deny.
func (v Verdict) Denied() bool { return v.Decision == DecisionDeny }

// Candidate describes the resource under evaluation.
type Candidate struct {
	ProjectID            string
	ResourceType         string
	Region               string
	InstanceClass        string
	Count                int
	EstimatedMonthlyCost float64
	DiskSizeGB           int
}

// Engine evaluates guild policy sets with firewall semantics: policies apply
// in ascending priority order and the first matching policy that fails
// decides the verdict.
type Engine struct {
	policies repository.PolicyRepository
	ledger   *quota.Ledger
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewEngine returns a policy engine.
func NewEngine(policies repository.PolicyRepository, ledger *quota.Ledger, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		policies: policies,
		ledger:   ledger,
		logger:   logger.With("component", "policy"),
		metrics:  m,
	}
}

// Evaluate runs the guild's active policies against the candidate. A guild
// with no configured policies falls back to the fixed default set. Repeated
// evaluation of the same inputs is deterministic.
func (e *Engine) Evaluate(ctx context.Context, guildID string, c Candidate) (Verdict, error) {
	policies, err := e.policies.ListActivePoliciesByGuild(ctx, guildID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load policies for guild %s: %w", guildID, err)
	}
	if len(policies) == 0 {
		policies = DefaultPolicies(guildID)
	}
	// First-match-wins only means anything if the order is ours, not the
	// store's.
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Priority < policies[j].Priority })

	for _, p := range policies {
		if !matchesPattern(p.ResourcePattern, c.ResourceType) {
			continue
		}
		reason, failed, err := e.ruleFails(ctx, p, c)
		if err != nil {
			return Verdict{}, err
		}
		if !failed {
			continue
		}
		verdict := Verdict{
			Decision:     DecisionDeny,
			FailedPolicy: p.Name,
			Reasons:      []string{reason},
		}
		if p.RequireApproval {
			verdict.Decision = DecisionNeedsApproval
		}
		e.metrics.Verdict(verdict.Decision)
		e.logger.Info("policy verdict",
			"guild_id", guildID, "policy", p.Name, "decision", verdict.Decision, "reason", reason)
		return verdict, nil
	}

	e.metrics.Verdict(DecisionAllow)
	return Verdict{Decision: DecisionAllow}, nil
}

// ruleFails applies the type-specific rule and reports the violation reason
// when the candidate falls foul of it.
func (e *Engine) ruleFails(ctx context.Context, p domain.Policy, c Candidate) (string, bool, error) {
	switch p.Type {
	case domain.PolicyTypeRegion:
		if len(p.AllowedValues) > 0 && !containsFold(p.AllowedValues, c.Region) {
			return fmt.Sprintf("region %s is not in the allowed set %v", c.Region, p.AllowedValues), true, nil
		}
		if containsFold(p.DeniedValues, c.Region) {
			return fmt.Sprintf("region %s is denied", c.Region), true, nil
		}
	case domain.PolicyTypeCost:
		ceiling := p.MaxCostPerHour * 24 * 30
		if ceiling > 0 && c.EstimatedMonthlyCost > ceiling {
			return fmt.Sprintf("estimated monthly cost %.2f exceeds ceiling %.2f", c.EstimatedMonthlyCost, ceiling), true, nil
		}
	case domain.PolicyTypeSecurity:
		for _, denied := range p.DeniedValues {
			if denied != "" && strings.Contains(strings.ToLower(c.InstanceClass), strings.ToLower(denied)) {
				return fmt.Sprintf("instance class %s matches denied term %q", c.InstanceClass, denied), true, nil
			}
		}
	case domain.PolicyTypeQuota:
		if p.MaxInstances <= 0 {
			return "", false, nil
		}
		current, err := e.ledger.UsedForType(ctx, c.ProjectID, c.ResourceType)
		if err != nil {
			return "", false, fmt.Errorf("current %s count for %s: %w", c.ResourceType, c.ProjectID, err)
		}
		if current+c.Count > p.MaxInstances {
			return fmt.Sprintf("%d existing plus %d requested %s instances exceed policy ceiling %d",
				current, c.Count, c.ResourceType, p.MaxInstances), true, nil
		}
		if p.MaxDiskGB > 0 && c.DiskSizeGB > p.MaxDiskGB {
			return fmt.Sprintf("disk size %dGB exceeds policy ceiling %dGB", c.DiskSizeGB, p.MaxDiskGB), true, nil
		}
	case domain.PolicyTypePermission:
		// A matching permission policy always gates the resource; whether it
		// denies or demands approval follows the policy's flag.
		return fmt.Sprintf("resource %s is gated by policy %s", c.ResourceType, p.Name), true, nil
	default:
		e.logger.Warn("unknown policy type skipped", "policy", p.Name, "type", p.Type)
	}
	return "", false, nil
}

// matchesPattern implements the small matcher policies use for resource
// selection: "*" matches anything, a trailing "*" matches a prefix, anything
// else is a case-insensitive exact match.
func matchesPattern(pattern, resourceType string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(strings.ToLower(resourceType), strings.ToLower(strings.TrimSuffix(pattern, "*")))
	}
	return strings.EqualFold(pattern, resourceType)
}

func containsFold(values []string, needle string) bool {
	for _, v := range values {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

// DefaultPolicies is the fixed fallback set applied to guilds that have not
// configured their own policies.
func DefaultPolicies(guildID string) []domain.Policy {
	return []domain.Policy{
		{
			GuildID:         guildID,
			Name:            "default-bare-metal-deny",
			Type:            domain.PolicyTypeSecurity,
			ResourcePattern: "*",
			DeniedValues:    []string{"metal"},
			Priority:        10,
			Active:          true,
		},
		{
			GuildID:         guildID,
			Name:            "default-cost-approval",
			Type:            domain.PolicyTypeCost,
			ResourcePattern: "*",
			MaxCostPerHour:  5,
			RequireApproval: true,
			Priority:        20,
			Active:          true,
		},
	}
}
