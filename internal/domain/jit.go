package domain

import "time"

// JIT permission levels, weakest first.
const (
	JitLevelViewer   = "viewer"
	JitLevelDeployer = "deployer"
	JitLevelAdmin    = "admin"
)

// JitGrant is a time-bounded elevation of permission.
type JitGrant struct {
	ID        int64
	Principal string
	GuildID   string
	Provider  string
	Level     string
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

// ActiveAt reports whether the grant confers permission at the given
// instant. Expiry alone does not flip Revoked, so activity must be computed
// from the timestamps rather than read from the flag.
func (g JitGrant) ActiveAt(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// LevelRank orders permission levels for at-least comparisons. Unknown
// levels rank below viewer.
func LevelRank(level string) int {
	switch level {
	case JitLevelViewer:
		return 1
	case JitLevelDeployer:
		return 2
	case JitLevelAdmin:
		return 3
	default:
		return 0
	}
}
