package domain

import (
	"encoding/json"
	"time"
)

// Deployment session statuses. Completed, failed, cancelled and expired are
// terminal.
const (
	SessionPending   = "pending"
	SessionApproved  = "approved"
	SessionPlanned   = "planned"
	SessionApplying  = "applying"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
	SessionExpired   = "expired"
)

// SessionTerminal reports whether a status admits no further transitions.
func SessionTerminal(status string) bool {
	switch status {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// ResourceSpec declares a single resource inside a deployment request.
type ResourceSpec struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Region        string          `json:"region"`
	InstanceClass string          `json:"instance_class,omitempty"`
	Count         int             `json:"count"`
	DiskSizeGB    int             `json:"disk_size_gb,omitempty"`
	HourlyCost    float64         `json:"hourly_cost"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// DeploymentSession tracks one deployment request through its lifecycle.
// After creation only the status-bearing fields mutate, and nothing mutates
// once the session is terminal.
type DeploymentSession struct {
	ID           string
	ProjectID    string
	Principal    string
	Provider     string
	Resources    []ResourceSpec
	HourlyCost   float64
	Status       string
	PlanAdds     int
	PlanChanges  int
	PlanDestroys int
	WorkingDir   string
	Error        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// SessionStatusUpdate captures the mutable fields of a deployment session.
type SessionStatusUpdate struct {
	SessionID string
	Status    string
	// HasPlan marks an update that records plan change counts. Updates
	// without it leave the stored counts untouched, so a completed session
	// still shows what its reviewed plan promised.
	HasPlan      bool
	PlanAdds     int
	PlanChanges  int
	PlanDestroys int
	Error        string
	CompletedAt  *time.Time
}
