package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the direction of a ledger transaction.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal:
		return true
	}
	return false
}

// Status is the lifecycle state of a ledger transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Failure reasons recorded by the service itself; gateway failures carry the
// gateway's own description.
const (
	FailureTimeout        = "Timeout"
	FailureAmountMismatch = "amount_mismatch"
)

type Transaction struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID            string          `gorm:"size:64;not null;index:idx_tx_user_kind_status,priority:1"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Kind              Kind            `gorm:"size:16;not null;index:idx_tx_user_kind_status,priority:2"`
	Status            Status          `gorm:"size:16;not null;index:idx_tx_user_kind_status,priority:3;index:idx_tx_status_created,priority:1"`
	ExternalReference string          `gorm:"size:128;not null;uniqueIndex"`
	MerchantRequestID string          `gorm:"size:128"`
	PhoneNumber       string          `gorm:"size:20;not null"`
	GatewayReceipt    *string         `gorm:"size:64"`
	FailureReason     *string
	CreatedAt         time.Time `gorm:"not null;index:idx_tx_status_created,priority:2"`
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

func (Transaction) TableName() string { return "transactions" }
