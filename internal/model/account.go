package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds the materialized balance of one user. It is a cache of the
// transactions table and can always be rebuilt from it.
type Account struct {
	UserID    string          `gorm:"primaryKey;size:64;column:user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "accounts" }
