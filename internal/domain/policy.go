package domain

import "time"

// Policy rule types.
const (
	PolicyTypeRegion     = "region"
	PolicyTypeCost       = "cost"
	PolicyTypeSecurity   = "security"
	PolicyTypeQuota      = "quota"
	PolicyTypePermission = "permission"
)

// Policy is a guild-scoped rule that allows, denies, or conditionally gates
// a resource request. Policies evaluate in ascending Priority order.
type Policy struct {
	GuildID         string
	Name            string
	Type            string
	ResourcePattern string
	AllowedValues   []string
	DeniedValues    []string
	MaxCostPerHour  float64
	MaxInstances    int
	MaxDiskGB       int
	RequireApproval bool
	Priority        int
	Active          bool
	CreatedAt       time.Time
}
