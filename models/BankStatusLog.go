package models

import "gorm.io/gorm"

//goland:noinspection ALL
const (
	BANK_OP_STATUS_OK    = "ok"
	BANK_OP_STATUS_ERROR = "error"
)

// BankStatusLog is the per-operation audit trail of upstream calls.
type BankStatusLog struct {
	gorm.Model

	UserID    string `gorm:"size:64;index"`
	BankID    string `gorm:"size:32;index"`
	Operation string `gorm:"size:32"`
	Status    string `gorm:"size:8"`
	Detail    string `gorm:"type:text"`
}
