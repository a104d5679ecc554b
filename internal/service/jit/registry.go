package jit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/events"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/pkg/token"
)

const defaultSweepInterval = time.Minute

var (
	errInvalidLevel    = errors.New("jit: unknown permission level")
	errInvalidDuration = errors.New("jit: duration must be positive")
)

// GrantResult couples a stored grant with the signed token handed to the
// front-end.
type GrantResult struct {
	Grant domain.JitGrant
	Token string
}

// Registry manages time-bounded permission elevations. Activity is always
// computed from expiry timestamps at read time; the background sweep only
// reconciles the revoked flag and emits notifications.
type Registry struct {
	grants    repository.JitRepository
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	tokenSecret   string
	sweepInterval time.Duration
	now           func() time.Time
}

// NewRegistry returns a JIT permission registry.
func NewRegistry(grants repository.JitRepository, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics, tokenSecret string, sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Registry{
		grants:        grants,
		publisher:     publisher,
		logger:        logger.With("component", "jit"),
		metrics:       m,
		tokenSecret:   tokenSecret,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// Grant issues a time-bounded permission elevation and a signed token whose
// expiry matches the grant's.
func (r *Registry) Grant(ctx context.Context, principal, guildID, provider, level, grantedBy string, duration time.Duration) (*GrantResult, error) {
	if domain.LevelRank(level) == 0 {
		return nil, errInvalidLevel
	}
	if duration <= 0 {
		return nil, errInvalidDuration
	}
	now := r.now().UTC()
	grant := domain.JitGrant{
		Principal: principal,
		GuildID:   guildID,
		Provider:  provider,
		Level:     level,
		GrantedBy: grantedBy,
		GrantedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if err := r.grants.CreateGrant(ctx, &grant); err != nil {
		return nil, fmt.Errorf("store grant: %w", err)
	}

	signed, err := token.GenerateGrantToken(token.GrantClaims{
		Principal: principal,
		GuildID:   guildID,
		Provider:  provider,
		Level:     level,
		GrantID:   grant.ID,
	}, r.tokenSecret, grant.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign grant token: %w", err)
	}

	r.logger.Info("jit grant issued",
		"grant_id", grant.ID, "principal", principal, "guild_id", guildID,
		"level", level, "granted_by", grantedBy, "expires_at", grant.ExpiresAt)
	if r.publisher != nil {
		r.publisher.Publish(ctx, events.Event{
			Kind:      events.KindGrantIssued,
			GuildID:   guildID,
			GrantID:   grant.ID,
			Principal: principal,
			At:        now,
		})
	}
	return &GrantResult{Grant: grant, Token: signed}, nil
}

// Revoke ends a grant ahead of its expiry.
func (r *Registry) Revoke(ctx context.Context, grantID int64) error {
	now := r.now().UTC()
	if err := r.grants.RevokeGrant(ctx, grantID, now); err != nil {
		return err
	}
	grant, err := r.grants.GetGrantByID(ctx, grantID)
	if err != nil {
		return err
	}
	r.logger.Info("jit grant revoked", "grant_id", grantID, "principal", grant.Principal)
	if r.publisher != nil {
		r.publisher.Publish(ctx, events.Event{
			Kind:      events.KindGrantRevoked,
			GuildID:   grant.GuildID,
			GrantID:   grantID,
			Principal: grant.Principal,
			Reason:    "revoked by operator",
			At:        now,
		})
	}
	return nil
}

// IsActive reports whether the principal holds any live grant in the guild.
// The answer is computed from timestamps on every call; an expired grant
// reads as inactive even before the sweep flips its flag.
func (r *Registry) IsActive(ctx context.Context, principal, guildID string) (bool, error) {
	active, err := r.activeGrants(ctx, principal, guildID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// HasLevel reports whether the principal holds a live grant at or above the
// given level.
func (r *Registry) HasLevel(ctx context.Context, principal, guildID, minLevel string) (bool, error) {
	want := domain.LevelRank(minLevel)
	if want == 0 {
		return false, errInvalidLevel
	}
	active, err := r.activeGrants(ctx, principal, guildID)
	if err != nil {
		return false, err
	}
	for _, g := range active {
		if domain.LevelRank(g.Level) >= want {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) activeGrants(ctx context.Context, principal, guildID string) ([]domain.JitGrant, error) {
	grants, err := r.grants.ListUnrevokedGrants(ctx, principal, guildID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var active []domain.JitGrant
	for _, g := range grants {
		if g.ActiveAt(now) {
			active = append(active, g)
		}
	}
	return active, nil
}

// Run executes the revocation sweep until the context is cancelled. This is
// the only scheduled background work in the governance core besides session
// expiry.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("jit sweep started", "interval", r.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("jit sweep stopped")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// sweepOnce revokes every expired unrevoked grant and emits one notification
// per grant. Failures are logged and retried on the next tick.
func (r *Registry) sweepOnce(ctx context.Context) {
	started := r.now()
	defer func() {
		r.metrics.ObserveSweep("jit", r.now().Sub(started).Seconds())
	}()

	expired, err := r.grants.ListExpiredUnrevoked(ctx, r.now().UTC())
	if err != nil {
		r.logger.Error("jit sweep list failed", "error", err)
		return
	}
	for _, g := range expired {
		revokedAt := r.now().UTC()
		if err := r.grants.RevokeGrant(ctx, g.ID, revokedAt); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			r.logger.Error("jit sweep revoke failed", "grant_id", g.ID, "error", err)
			continue
		}
		r.logger.Info("jit grant expired", "grant_id", g.ID, "principal", g.Principal, "expired_at", g.ExpiresAt)
		if r.publisher != nil {
			r.publisher.Publish(ctx, events.Event{
				Kind:      events.KindGrantRevoked,
				GuildID:   g.GuildID,
				GrantID:   g.ID,
				Principal: g.Principal,
				Reason:    "grant expired",
				At:        revokedAt,
			})
		}
	}
}
