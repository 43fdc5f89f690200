package models

import (
	"time"

	"gorm.io/gorm"
)

// Balance keeps the latest balance list per account as raw JSON.
type Balance struct {
	gorm.Model

	UserID    string `gorm:"size:64;uniqueIndex:idx_balance_key"`
	BankID    string `gorm:"size:32;uniqueIndex:idx_balance_key"`
	AccountID string `gorm:"size:191;uniqueIndex:idx_balance_key"`

	Payload  string `gorm:"type:longtext"`
	SyncedAt time.Time
}
