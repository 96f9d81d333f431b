/**
 * @description
 * Domain models for managed game servers as seen by the lifecycle engine.
 * Only the lifecycle fields are mutated here; everything else is owned by provisioning.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ServerStatus is the lifecycle state of a managed server. Transitions are forward-only:
// active -> suspended -> pending_deletion -> deleted.
type ServerStatus string

const (
	ServerStatusActive          ServerStatus = "active"
	ServerStatusSuspended       ServerStatus = "suspended"
	ServerStatusPendingDeletion ServerStatus = "pending_deletion"
	ServerStatusDeleted         ServerStatus = "deleted"
)

// rank orders statuses so callers can assert a transition never regresses.
func (s ServerStatus) rank() int {
	switch s {
	case ServerStatusActive:
		return 0
	case ServerStatusSuspended:
		return 1
	case ServerStatusPendingDeletion:
		return 2
	case ServerStatusDeleted:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s ServerStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s ServerStatus) CanTransitionTo(next ServerStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// ManagedServer is a provisioned game server with its billing terms.
type ManagedServer struct {
	ID                  uuid.UUID    `json:"id"`
	OwnerUserID         uuid.UUID    `json:"owner_user_id"`
	Name                string       `json:"name"`
	BillingCycle        string       `json:"billing_cycle"`
	PricePerCycle       int64        `json:"price_per_cycle"`
	ExpiryAt            *time.Time   `json:"expiry_at,omitempty"`
	Status              ServerStatus `json:"status"`
	SuspendedAt         *time.Time   `json:"suspended_at,omitempty"`
	DeletionRequestedAt *time.Time   `json:"deletion_requested_at,omitempty"`
	DeletedAt           *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// IsDue reports whether an active server's paid period has run out at now.
func (s ManagedServer) IsDue(now time.Time) bool {
	return s.Status == ServerStatusActive && s.ExpiryAt != nil && !s.ExpiryAt.After(now)
}

// ExpiryAdvance binds a billing charge to moving a server's expiry forward.
// The advance only applies while the stored expiry still equals From.
type ExpiryAdvance struct {
	ServerID uuid.UUID `json:"server_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// DeleteServerCommand is the payload handed to the provisioning subsystem.
type DeleteServerCommand struct {
	ServerID    uuid.UUID `json:"server_id"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// LifecycleEvent is a best-effort notification about a server transition.
type LifecycleEvent struct {
	ServerID    uuid.UUID    `json:"server_id"`
	OwnerUserID uuid.UUID    `json:"owner_user_id"`
	Status      ServerStatus `json:"status"`
	ExpiryAt    *time.Time   `json:"expiry_at,omitempty"`
	Amount      int64        `json:"amount,omitempty"`
	RunID       uuid.UUID    `json:"run_id"`
	Timestamp   time.Time    `json:"timestamp"`
}
