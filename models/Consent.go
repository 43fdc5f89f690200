package models

import (
	"time"

	"gorm.io/gorm"
)

//goland:noinspection ALL
const (
	CONSENT_TYPE_ACCOUNTS = "accounts"
	CONSENT_TYPE_PRODUCTS = "products"
	CONSENT_TYPE_PAYMENTS = "payments"

	CONSENT_STATUS_APPROVED      = "APPROVED"
	CONSENT_STATUS_AWAITING_USER = "AWAITING_USER"

	// terminal statuses, keyed to the bank's spelling
	CONSENT_STATUS_REJECTED  = "REJECTED"
	CONSENT_STATUS_EXPIRED   = "EXPIRED"
	CONSENT_STATUS_REVOKED   = "REVOKED"
	CONSENT_STATUS_CANCELLED = "CANCELLED"

	// fallback for terminal statuses the registry does not know
	CONSENT_STATUS_FAILED = "FAILED"
)

var ConsentTypes = []string{
	CONSENT_TYPE_ACCOUNTS,
	CONSENT_TYPE_PRODUCTS,
	CONSENT_TYPE_PAYMENTS,
}

// Consent is one granted or pending bank consent. ConsentId may be
// empty while the bank has only issued a request id; PromoteRequest
// fills it in once authorization completes.
type Consent struct {
	gorm.Model

	UserID string `gorm:"size:64;index:idx_consent_user_bank"`
	BankID string `gorm:"size:32;index:idx_consent_user_bank"`

	ConsentId   string `gorm:"size:191;index"`
	RequestId   string `gorm:"size:191;index"`
	ConsentType string `gorm:"size:16"`
	Status      string `gorm:"size:16;index"`

	ApprovalUrl string
	ExpiresAt   *time.Time
}
