package domain

import "time"

// Quota is a per-project ceiling on a resource type within a region.
// Used moves only through the ledger's consume/release operations and holds
// 0 <= Used <= Limit.
type Quota struct {
	ProjectID    string
	ResourceType string
	Region       string
	Limit        int
	Used         int
	Unit         string
	UpdatedAt    time.Time
}

// Available reports the remaining headroom under the quota.
func (q Quota) Available() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}
