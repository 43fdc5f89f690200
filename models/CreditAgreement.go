package models

import (
	"time"

	"gorm.io/gorm"
)

type CreditAgreement struct {
	gorm.Model

	UserID      string `gorm:"size:64;uniqueIndex:idx_credit_key"`
	BankID      string `gorm:"size:32;uniqueIndex:idx_credit_key"`
	AgreementID string `gorm:"size:191;uniqueIndex:idx_credit_key"`

	Payload  string `gorm:"type:longtext"`
	SyncedAt time.Time
}
