package domain

import "time"

// BudgetAlert is a one-shot spend threshold per project. Once triggered it
// stays latched until explicitly reset.
type BudgetAlert struct {
	ProjectID    string
	Threshold    float64
	CurrentSpend float64
	Triggered    bool
	TriggeredAt  *time.Time
}
