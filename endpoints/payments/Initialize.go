package payments

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	val "github.com/go-ozzo/ozzo-validation"
	"go.nhat.io/otelsql/attribute"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/endpoints"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

type InitPaymentDto struct {
	BankId string  `json:"bankId"`
	Kind   string  `json:"kind"` // refer to PaymentKindValues
	Amount float64 `json:"amount"`

	Currency        string `json:"currency"` // defaults to RUB
	DebtorAccount   string `json:"debtorAccount"`
	CreditorAccount string `json:"creditorAccount"`
	Comment         string `json:"comment"`
}

var PaymentKindValues = []string{
	models.PAYMENT_KIND_MDP,
	models.PAYMENT_KIND_ADP,
	models.PAYMENT_KIND_SDP,
}

func (dto InitPaymentDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.BankId, val.Required),
		val.Field(&dto.Kind, val.Required, val.In(
			models.PAYMENT_KIND_MDP,
			models.PAYMENT_KIND_ADP,
			models.PAYMENT_KIND_SDP,
		)),
		val.Field(&dto.Amount, val.Required, val.Min(0.01)),
		val.Field(&dto.CreditorAccount, val.Required),
	)
}

// paymentConsentOf finds the approved payment consent at the bank.
func paymentConsentOf(rt *kernel.RequestRuntime, bankId string) (*models.Consent, error) {
	var consent models.Consent
	found, err := rt.First(&consent,
		"user_id = ? AND bank_id = ? AND consent_type = ? AND status = ?",
		rt.UserID(), bankId, models.CONSENT_TYPE_PAYMENTS, models.CONSENT_STATUS_APPROVED)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &consent, nil
}

// debtorAccountOf falls back from the caller's value to the first
// synced account at the bank, then to a deterministic placeholder.
func debtorAccountOf(rt *kernel.RequestRuntime, dto *InitPaymentDto) string {
	if dto.DebtorAccount != "" {
		return dto.DebtorAccount
	}

	var account models.Account
	found, err := rt.First(&account, "user_id = ? AND bank_id = ?", rt.UserID(), dto.BankId)
	if err == nil && found && account.AccountID != "" {
		return account.AccountID
	}

	return fmt.Sprintf("account-%s-%s", rt.UserID(), dto.BankId)
}

func InitializePayment(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("payment_init.handler")

	assert.NotNil(rt.Key, "key != nil")

	var dto InitPaymentDto
	rt.BindJSON(&dto)
	if rt.Error != nil {
		rt.Ef(400, "could not bind body: %v", rt.Error)
		return
	}
	if err := dto.Validate(); err != nil {
		rt.E(http.StatusBadRequest, err)
		return
	}

	consent, err := paymentConsentOf(rt, dto.BankId)
	if err != nil {
		rt.Ef(500, "could not query payment consent: %v", err)
		return
	}
	if consent == nil {
		rt.Ef(http.StatusConflict, "no approved payment consent at bank '%v'", dto.BankId)
		return
	}

	rt.Span.SetAttributes(
		attribute.KeyValue("payment.bank", dto.BankId),
		attribute.KeyValue("payment.kind", dto.Kind),
		attribute.KeyValue("payment.consent_id", consent.ConsentId),
	)

	svc := endpoints.LoadServices(rt.AppRuntime)
	client, err := svc.Client(dto.BankId)
	if err != nil {
		rt.Ef(404, "unknown bank '%v'", dto.BankId)
		return
	}

	debtor := debtorAccountOf(rt, &dto)

	result, err := client.InitiatePayment(rt.SpanContext, obr.PaymentOrder{
		ConsentID:         consent.ConsentId,
		DebtorAccountID:   debtor,
		CreditorAccountID: dto.CreditorAccount,
		Amount:            dto.Amount,
		Currency:          dto.Currency,
		Comment:           dto.Comment,
	})
	if err != nil {
		rt.Ef(http.StatusBadGateway, "failed to initiate payment: %v", err)
		return
	}

	m := &models.Payment{
		UserID: rt.UserID(),
		BankID: dto.BankId,

		Kind:      dto.Kind,
		ConsentId: consent.ConsentId,

		Amount:   dto.Amount,
		Currency: dto.Currency,

		DebtorAccountID:   debtor,
		CreditorAccountID: dto.CreditorAccount,
		Comment:           dto.Comment,

		PaymentID: result.PaymentID,
		Status:    result.Status,
	}

	if res := rt.DB.WithContext(rt.SpanContext).Save(m); res.Error != nil {
		rt.Ef(500, "failed to save payment: %v", res.Error)
		return
	}

	c.JSON(201, &gin.H{
		"paymentId": result.PaymentID,
		"status":    result.Status,
	})
	rt.EndBlock()
}
