package events

import (
	"context"
	"time"
)

// Event kinds emitted by the governance core.
const (
	KindSessionStatus = "session.status"
	KindBudgetAlert   = "budget.alert"
	KindGrantIssued   = "jit.granted"
	KindGrantRevoked  = "jit.revoked"
)

// Event is a governance notification destined for the front-end collaborator.
type Event struct {
	Kind      string    `json:"kind"`
	GuildID   string    `json:"guild_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	GrantID   int64     `json:"grant_id,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers governance events to interested parties. Publishing is
// best-effort; the core never blocks on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}
