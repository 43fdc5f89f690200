package models

import "time"

// BankToken caches one service token per partner bank.
type BankToken struct {
	BankID      string `gorm:"primaryKey;size:32"`
	AccessToken string `gorm:"type:text"`
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}
