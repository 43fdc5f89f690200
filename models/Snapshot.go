package models

import "time"

//goland:noinspection ALL
const (
	SNAPSHOT_ACCOUNTS     = "accounts"
	SNAPSHOT_BALANCES     = "balances"
	SNAPSHOT_TRANSACTIONS = "transactions"
	SNAPSHOT_CREDITS      = "credits"
)

// Snapshot is the per (user, bank, data type) cache of the last
// fetched upstream payload.
type Snapshot struct {
	UserID   string `gorm:"primaryKey;size:64"`
	BankID   string `gorm:"primaryKey;size:32"`
	DataType string `gorm:"primaryKey;size:16"`

	Payload   string `gorm:"type:longtext"`
	FetchedAt time.Time
}

func (Snapshot) TableName() string {
	return "bank_data_cache"
}
