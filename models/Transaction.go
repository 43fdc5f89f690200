package models

import (
	"time"

	"gorm.io/gorm"
)

// Transaction stores one canonical transaction row plus its raw
// upstream payload.
type Transaction struct {
	gorm.Model

	UserID        string `gorm:"size:64;uniqueIndex:idx_txn_key"`
	BankID        string `gorm:"size:32;uniqueIndex:idx_txn_key"`
	AccountID     string `gorm:"size:191;index"`
	TransactionID string `gorm:"size:191;uniqueIndex:idx_txn_key"`

	Amount      float64
	Currency    string `gorm:"size:8"`
	BookingDate time.Time
	Description string

	Payload  string `gorm:"type:longtext"`
	SyncedAt time.Time
}
