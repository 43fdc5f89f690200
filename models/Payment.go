package models

import "gorm.io/gorm"

//goland:noinspection ALL
const (
	PAYMENT_KIND_MDP = "mdp"
	PAYMENT_KIND_ADP = "adp"
	PAYMENT_KIND_SDP = "sdp"

	PAYMENT_CONSENT_SINGLE_USE = "single_use"
	PAYMENT_CONSENT_MULTI_USE  = "multi_use"
	PAYMENT_CONSENT_VRP        = "vrp"
)

type Payment struct {
	gorm.Model

	UserID string `gorm:"size:64;index"`
	BankID string `gorm:"size:32;index"`

	Kind      string `gorm:"size:8"`
	ConsentId string `gorm:"size:191"`

	Amount   float64
	Currency string `gorm:"size:8"`

	DebtorAccountID   string `gorm:"size:191"`
	CreditorAccountID string `gorm:"size:191"`
	Comment           string

	PaymentID string `gorm:"size:191;index"`
	Status    string `gorm:"size:32"`
}
