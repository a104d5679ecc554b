package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/internal/repository"
)

// Decision is the outcome of a quota check. A missing quota row is a deny,
// never "unlimited".
type Decision struct {
	Allowed   bool
	Limit     int
	Used      int
	Available int
	Requested int
	Reason    string
}

// ExceededError reports a consume refused because it would push usage past
// the limit. It carries the numbers an operator needs for audit logging.
type ExceededError struct {
	Limit     int
	Used      int
	Requested int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: limit %d, used %d, requested %d", e.Limit, e.Used, e.Requested)
}

var errInvalidAmount = errors.New("quota: amount must be positive")

// Ledger tracks per-project, per-resource-type, per-region counters.
// Check-then-consume sequences for the same key are serialized by a per-key
// lock so concurrent consumers cannot race usage past the limit.
type Ledger struct {
	quotas  repository.QuotaRepository
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger returns a quota ledger.
func NewLedger(quotas repository.QuotaRepository, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		quotas:  quotas,
		logger:  logger.With("component", "quota"),
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) keyLock(projectID, resourceType, region string) *sync.Mutex {
	key := strings.Join([]string{projectID, resourceType, region}, "\x00")
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}

// Check reports whether amount units fit under the quota for the key. It is
// read-only and fails closed: no quota row means deny.
func (l *Ledger) Check(ctx context.Context, projectID, resourceType, region string, amount int) (Decision, error) {
	if amount <= 0 {
		return Decision{}, errInvalidAmount
	}
	q, err := l.quotas.GetQuota(ctx, projectID, resourceType, region)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Decision{
				Allowed:   false,
				Requested: amount,
				Reason:    fmt.Sprintf("no quota configured for %s/%s in %s", projectID, resourceType, region),
			}, nil
		}
		return Decision{}, err
	}
	decision := Decision{
		Limit:     q.Limit,
		Used:      q.Used,
		Available: q.Available(),
		Requested: amount,
	}
	if amount > decision.Available {
		decision.Reason = fmt.Sprintf("quota for %s in %s: requested %d, available %d of %d",
			resourceType, region, amount, decision.Available, q.Limit)
		return decision, nil
	}
	decision.Allowed = true
	return decision, nil
}

// Consume commits amount units against the key. Callers are expected to
// Check first; Consume still re-validates under the per-key lock and refuses
// to push usage past the limit, so a stale check surfaces as an
// ExceededError instead of corrupting the counter.
func (l *Ledger) Consume(ctx context.Context, projectID, resourceType, region string, amount int) error {
	if amount <= 0 {
		return errInvalidAmount
	}
	lock := l.keyLock(projectID, resourceType, region)
	lock.Lock()
	defer lock.Unlock()

	q, err := l.quotas.GetQuota(ctx, projectID, resourceType, region)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &ExceededError{Requested: amount}
		}
		return err
	}
	if q.Used+amount > q.Limit {
		return &ExceededError{Limit: q.Limit, Used: q.Used, Requested: amount}
	}
	if err := l.quotas.AddQuotaUsage(ctx, projectID, resourceType, region, amount); err != nil {
		return err
	}
	l.metrics.QuotaConsumed(amount)
	l.logger.Info("quota consumed",
		"project_id", projectID, "resource_type", resourceType, "region", region,
		"amount", amount, "used", q.Used+amount, "limit", q.Limit)
	return nil
}

// Release returns amount units to the key, floored at zero. Over-release is
// tolerated rather than erroring or going negative.
func (l *Ledger) Release(ctx context.Context, projectID, resourceType, region string, amount int) error {
	if amount <= 0 {
		return errInvalidAmount
	}
	lock := l.keyLock(projectID, resourceType, region)
	lock.Lock()
	defer lock.Unlock()

	if err := l.quotas.ReleaseQuotaUsage(ctx, projectID, resourceType, region, amount); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	l.metrics.QuotaReleased(amount)
	l.logger.Info("quota released",
		"project_id", projectID, "resource_type", resourceType, "region", region, "amount", amount)
	return nil
}

// UsedForType totals current usage of a resource type across regions; the
// policy engine consults it for instance-count ceilings.
func (l *Ledger) UsedForType(ctx context.Context, projectID, resourceType string) (int, error) {
	return l.quotas.SumUsageByType(ctx, projectID, resourceType)
}

// SeedDefaults creates the default quota rows for a freshly created project.
func (l *Ledger) SeedDefaults(ctx context.Context, projectID, region string, now time.Time) error {
	for _, def := range defaultQuotas {
		q := &domain.Quota{
			ProjectID:    projectID,
			ResourceType: def.resourceType,
			Region:       region,
			Limit:        def.limit,
			Unit:         def.unit,
			UpdatedAt:    now,
		}
		if err := l.quotas.UpsertQuota(ctx, q); err != nil {
			return fmt.Errorf("seed quota %s: %w", def.resourceType, err)
		}
	}
	return nil
}

// SetLimit creates or adjusts the ceiling for a quota key.
func (l *Ledger) SetLimit(ctx context.Context, projectID, resourceType, region string, limit int, unit string) error {
	if limit < 0 {
		return errors.New("quota: limit must not be negative")
	}
	if unit == "" {
		unit = "count"
	}
	return l.quotas.UpsertQuota(ctx, &domain.Quota{
		ProjectID:    projectID,
		ResourceType: resourceType,
		Region:       region,
		Limit:        limit,
		Unit:         unit,
		UpdatedAt:    time.Now().UTC(),
	})
}

// TotalUsage reports summed usage across a project's quota keys; project
// deletion is refused while this is non-zero.
func (l *Ledger) TotalUsage(ctx context.Context, projectID string) (int, error) {
	return l.quotas.SumQuotaUsage(ctx, projectID)
}

var defaultQuotas = []struct {
	resourceType string
	limit        int
	unit         string
}{
	{"vm", 10, "count"},
	{"database", 5, "count"},
	{"bucket", 20, "count"},
	{"loadbalancer", 3, "count"},
	{"cluster", 2, "count"},
}
