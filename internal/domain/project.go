package domain

import "time"

// Project status values.
const (
	ProjectStatusActive    = "active"
	ProjectStatusSuspended = "suspended"
	ProjectStatusDeleted   = "deleted"
)

// Project is an owned infrastructure namespace subject to quota and budget.
type Project struct {
	ID            string
	GuildID       string
	OwnerID       string
	Provider      string
	Region        string
	MonthlyBudget float64
	Status        string
	CreatedAt     time.Time
}
