package models

import (
	"time"

	"gorm.io/gorm"
)

type Account struct {
	gorm.Model

	UserID    string `gorm:"size:64;uniqueIndex:idx_account_key"`
	BankID    string `gorm:"size:32;uniqueIndex:idx_account_key"`
	AccountID string `gorm:"size:191;uniqueIndex:idx_account_key"`

	Payload  string `gorm:"type:longtext"`
	SyncedAt time.Time
}
