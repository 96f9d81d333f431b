/**
 * @description
 * Domain models for the rewards ledger: the closed set of entry sources,
 * the immutable entry itself and the balance it keeps in sync.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SourceCategory names the subsystem that caused a balance change.
type SourceCategory string

const (
	CategoryReferral        SourceCategory = "referral"
	CategoryDailyLogin      SourceCategory = "daily_login"
	CategoryPromotion       SourceCategory = "promotion"
	CategoryTransfer        SourceCategory = "transfer"
	CategoryRedeemCode      SourceCategory = "redeem_code"
	CategoryAdminAdjustment SourceCategory = "admin_adjustment"
	CategoryBilling         SourceCategory = "billing"
)

// SourceCategories lists every category in a stable order.
var SourceCategories = []SourceCategory{
	CategoryReferral,
	CategoryDailyLogin,
	CategoryPromotion,
	CategoryTransfer,
	CategoryRedeemCode,
	CategoryAdminAdjustment,
	CategoryBilling,
}

// Valid reports whether c is one of the known categories.
func (c SourceCategory) Valid() bool {
	switch c {
	case CategoryReferral, CategoryDailyLogin, CategoryPromotion, CategoryTransfer,
		CategoryRedeemCode, CategoryAdminAdjustment, CategoryBilling:
		return true
	}
	return false
}

// SourceAction is the direction of a balance change.
type SourceAction string

const (
	ActionEarn   SourceAction = "earn"
	ActionSpend  SourceAction = "spend"
	ActionAdjust SourceAction = "adjust"
)

// Valid reports whether a is one of the known actions.
func (a SourceAction) Valid() bool {
	switch a {
	case ActionEarn, ActionSpend, ActionAdjust:
		return true
	}
	return false
}

// LedgerEntry is one immutable balance change with its before/after snapshot.
type LedgerEntry struct {
	ID             int64          `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	Delta          int64          `json:"delta"`
	BalanceBefore  int64          `json:"balance_before"`
	BalanceAfter   int64          `json:"balance_after"`
	SourceCategory SourceCategory `json:"source_category"`
	SourceAction   SourceAction   `json:"source_action"`
	ReferenceID    *string        `json:"reference_id,omitempty"`
	Message        *string        `json:"message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LedgerPosting is a validated request to append one entry. The store applies
// the balance check, the optional expiry advance, the balance write and the
// entry insert as a single atomic unit.
type LedgerPosting struct {
	UserID        uuid.UUID
	Delta         int64
	Category      SourceCategory
	Action        SourceAction
	ReferenceID   *string
	Message       *string
	AllowNegative bool
	Advance       *ExpiryAdvance
}

// LedgerFilter narrows a ledger query. Zero values mean "any".
type LedgerFilter struct {
	UserID   *uuid.UUID      `json:"user_id,omitempty"`
	Category *SourceCategory `json:"source_category,omitempty"`
	Since    *time.Time      `json:"since,omitempty"`
	Until    *time.Time      `json:"until,omitempty"`
}

// LedgerPage is one page of entries, newest first.
type LedgerPage struct {
	Entries []LedgerEntry `json:"entries"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	HasMore bool          `json:"has_more"`
}

// UserBalance is a user's live coin balance. OpeningCoins is the balance the
// account was created with and anchors the ledger chain.
type UserBalance struct {
	UserID       uuid.UUID `json:"user_id"`
	Coins        int64     `json:"coins"`
	OpeningCoins int64     `json:"opening_coins"`
	UpdatedAt    time.Time `json:"updated_at"`
}
