package models

import "time"

// SyncLock allows at most one running sync per user. A row past its
// ExpiresAt counts as free and gets replaced on the next acquire.
type SyncLock struct {
	UserID    string `gorm:"primaryKey;size:64"`
	SyncID    string `gorm:"size:64"`
	LockedAt  time.Time
	ExpiresAt time.Time `gorm:"index"`
}

func (SyncLock) TableName() string {
	return "sync_locks"
}
