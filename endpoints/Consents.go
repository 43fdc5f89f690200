package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"
	val "github.com/go-ozzo/ozzo-validation"
	"go.nhat.io/otelsql/attribute"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/consents"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

type InitiateConsentDto struct {
	BankId      string  `json:"bankId"`
	Type        string  `json:"type"`
	Reason      string  `json:"reason"`
	PaymentKind string  `json:"paymentKind"`
	Amount      float64 `json:"amount"`
}

func (dto InitiateConsentDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.BankId, val.Required),
		val.Field(&dto.Type, val.Required, val.In(
			models.CONSENT_TYPE_ACCOUNTS,
			models.CONSENT_TYPE_PRODUCTS,
			models.CONSENT_TYPE_PAYMENTS,
		)),
		val.Field(&dto.PaymentKind, val.In(
			models.PAYMENT_CONSENT_SINGLE_USE,
			models.PAYMENT_CONSENT_MULTI_USE,
			models.PAYMENT_CONSENT_VRP,
		)),
	)
}

func InitiateConsent(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.initiate")

	assert.NotNil(rt.Key, "key != nil")

	var dto InitiateConsentDto
	rt.BindJSON(&dto)
	if rt.Error != nil {
		rt.Ef(400, "could not bind body: %v", rt.Error)
		return
	}
	if err := dto.Validate(); err != nil {
		rt.E(http.StatusBadRequest, err)
		return
	}

	rt.Span.SetAttributes(
		attribute.KeyValue("consent.bank", dto.BankId),
		attribute.KeyValue("consent.type", dto.Type),
	)

	svc := LoadServices(rt.AppRuntime)
	state, err := svc.Orchestrator.Initiate(rt.SpanContext, rt.UserID(), dto.BankId, dto.Type, consents.InitiateOptions{
		Reason:      dto.Reason,
		PaymentKind: dto.PaymentKind,
		Amount:      dto.Amount,
	})
	if err != nil {
		rt.Ef(http.StatusBadGateway, "failed to initiate consent: %v", err)
		return
	}

	c.JSON(201, state)
	rt.EndBlock()
}

type FullFlowDto struct {
	BankId string `json:"bankId"`
}

func (dto FullFlowDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.BankId, val.Required),
	)
}

// InitiateFullConsentFlow requests all three consent types at one
// bank. The account consent must succeed; the rest report inline.
func InitiateFullConsentFlow(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.full_flow")

	assert.NotNil(rt.Key, "key != nil")

	var dto FullFlowDto
	rt.BindJSON(&dto)
	if rt.Error != nil {
		rt.Ef(400, "could not bind body: %v", rt.Error)
		return
	}
	if err := dto.Validate(); err != nil {
		rt.E(http.StatusBadRequest, err)
		return
	}

	svc := LoadServices(rt.AppRuntime)
	result, err := svc.Orchestrator.InitiateFullFlow(rt.SpanContext, rt.UserID(), dto.BankId, consents.InitiateOptions{})
	if err != nil {
		rt.Ef(http.StatusBadGateway, "full consent flow failed: %v", err)
		return
	}

	c.JSON(201, result)
	rt.EndBlock()
}

func PollConsentStatus(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.poll")

	assert.NotNil(rt.Key, "key != nil")

	bankId := c.Query("bankId")
	requestId := c.Query("requestId")
	if bankId == "" || requestId == "" {
		rt.Ef(400, "bankId and requestId query parameters are required")
		return
	}

	rt.Span.SetAttributes(attribute.KeyValue("consent.request_id", requestId))

	svc := LoadServices(rt.AppRuntime)
	result, err := svc.Orchestrator.PollStatus(rt.SpanContext, rt.UserID(), bankId, requestId)
	if err != nil {
		rt.Ef(http.StatusBadGateway, "failed to poll consent status: %v", err)
		return
	}

	c.JSON(200, result)
	rt.EndBlock()
}

type ConsentBatchDto struct {
	Requests []consents.BatchRequest `json:"requests"`
}

func (dto ConsentBatchDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.Requests, val.Required),
	)
}

func CreateConsentBatch(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.batch")

	assert.NotNil(rt.Key, "key != nil")

	var dto ConsentBatchDto
	rt.BindJSON(&dto)
	if rt.Error != nil {
		rt.Ef(400, "could not bind body: %v", rt.Error)
		return
	}
	if err := dto.Validate(); err != nil {
		rt.E(http.StatusBadRequest, err)
		return
	}

	svc := LoadServices(rt.AppRuntime)
	result, err := svc.Orchestrator.CreateBatch(rt.SpanContext, rt.UserID(), dto.Requests)
	if err != nil {
		rt.Ef(500, "failed to create consent batch: %v", err)
		return
	}

	c.JSON(200, result)
	rt.EndBlock()
}

// ConsentsOverview lists the user's consents grouped per bank.
func ConsentsOverview(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.overview")

	assert.NotNil(rt.Key, "key != nil")

	svc := LoadServices(rt.AppRuntime)
	overview, err := svc.Orchestrator.Overview(rt.UserID())
	if err != nil {
		rt.Ef(500, "failed to load consents: %v", err)
		return
	}

	c.JSON(200, &gin.H{"banks": overview})
	rt.EndBlock()
}

type ConsentCallbackDto struct {
	Ref string `json:"ref"` // consent id or request id
}

func (dto ConsentCallbackDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.Ref, val.Required),
	)
}

// ConsentCallback marks a consent approved after the user came back
// from the bank's approval page.
func ConsentCallback(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("consents.callback")

	assert.NotNil(rt.Key, "key != nil")

	var dto ConsentCallbackDto
	rt.BindJSON(&dto)
	if rt.Error != nil {
		rt.Ef(400, "could not bind body: %v", rt.Error)
		return
	}
	if err := dto.Validate(); err != nil {
		rt.E(http.StatusBadRequest, err)
		return
	}

	svc := LoadServices(rt.AppRuntime)
	consent, err := svc.Orchestrator.MarkApproved(rt.UserID(), dto.Ref)
	if err != nil {
		rt.Ef(500, "failed to mark consent approved: %v", err)
		return
	}
	if consent == nil {
		rt.Ef(404, "no consent matches '%v'", dto.Ref)
		return
	}

	c.JSON(200, &gin.H{
		"bankId":    consent.BankID,
		"consentId": consent.ConsentId,
		"type":      consent.ConsentType,
		"status":    "approved",
	})
	rt.EndBlock()
}
