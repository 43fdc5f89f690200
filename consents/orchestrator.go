package consents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

// BankClient is the slice of the bank protocol the orchestrator
// needs. *obr.Client satisfies it.
type BankClient interface {
	BankID() string
	BankName() string
	RequestAccountConsent(ctx context.Context, reason string) (*obr.ConsentGrant, error)
	RequestProductConsent(ctx context.Context, reason string) (*obr.ConsentGrant, error)
	RequestPaymentConsent(ctx context.Context, spec obr.PaymentConsentSpec) (*obr.ConsentGrant, error)
	ConsentStatus(ctx context.Context, requestID string) (*obr.ConsentPoll, error)
	Accounts(ctx context.Context, consentID string) ([]map[string]any, error)
}

// ClientProvider resolves a bank id from the registry into a client.
type ClientProvider func(bankID string) (BankClient, error)

// Default VRP ceilings applied when the caller does not set its own.
const (
	defaultVRPMaxIndividualAmount = 100_000
	defaultVRPDailyLimit          = 500_000
	defaultVRPMonthlyLimit        = 10_000_000
)

const defaultConsentReason = "Personal finance aggregation"

type Orchestrator struct {
	Store   Store
	Clients ClientProvider
	Log     zerolog.Logger
}

func NewOrchestrator(store Store, clients ClientProvider, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{Store: store, Clients: clients, Log: log}
}

// ConsentState is the application-level view of one consent.
type ConsentState struct {
	BankID      string `json:"bankId"`
	ConsentType string `json:"consentType"`
	ConsentID   string `json:"consentId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approvalUrl,omitempty"`
	Reused      bool   `json:"reused,omitempty"`
}

type InitiateOptions struct {
	Reason string

	// Payment consents only.
	PaymentKind string
	Amount      float64
}

// Initiate requests one consent of the given type at one bank and
// persists the resulting state.
func (o *Orchestrator) Initiate(ctx context.Context, userID, bankID, consentType string, opts InitiateOptions) (*ConsentState, error) {
	client, err := o.Clients(bankID)
	if err != nil {
		return nil, err
	}

	reason := opts.Reason
	if reason == "" {
		reason = defaultConsentReason
	}

	var grant *obr.ConsentGrant
	switch consentType {
	case models.CONSENT_TYPE_ACCOUNTS:
		grant, err = client.RequestAccountConsent(ctx, reason)
	case models.CONSENT_TYPE_PRODUCTS:
		grant, err = client.RequestProductConsent(ctx, reason)
	case models.CONSENT_TYPE_PAYMENTS:
		grant, err = o.initiatePaymentConsent(ctx, client, userID, opts)
	default:
		return nil, fmt.Errorf("unknown consent type %q", consentType)
	}
	if err != nil {
		return nil, err
	}

	status := models.CONSENT_STATUS_AWAITING_USER
	if grant.AutoApproved {
		status = models.CONSENT_STATUS_APPROVED
	}

	consent := &models.Consent{
		UserID:      userID,
		BankID:      bankID,
		ConsentId:   grant.ConsentID,
		RequestId:   grant.RequestID,
		ConsentType: consentType,
		Status:      status,
		ApprovalUrl: grant.ApprovalURL,
	}
	if err := o.Store.Save(consent); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}

	return &ConsentState{
		BankID:      bankID,
		ConsentType: consentType,
		ConsentID:   grant.ConsentID,
		RequestID:   grant.RequestID,
		Status:      stateOf(status),
		ApprovalURL: grant.ApprovalURL,
	}, nil
}

func (o *Orchestrator) initiatePaymentConsent(ctx context.Context, client BankClient, userID string, opts InitiateOptions) (*obr.ConsentGrant, error) {
	kind := opts.PaymentKind
	if kind == "" {
		kind = models.PAYMENT_CONSENT_SINGLE_USE
	}

	spec := obr.PaymentConsentSpec{
		Kind:            kind,
		DebtorAccountID: o.resolveDebtorAccount(ctx, client, userID),
		Amount:          opts.Amount,
	}
	if kind == models.PAYMENT_CONSENT_VRP {
		spec.VRPMaxIndividualAmount = defaultVRPMaxIndividualAmount
		spec.VRPDailyLimit = defaultVRPDailyLimit
		spec.VRPMonthlyLimit = defaultVRPMonthlyLimit
	}

	return client.RequestPaymentConsent(ctx, spec)
}

// resolveDebtorAccount finds the user's first account at the bank via
// the approved account consent. Banks answer consent requests even
// with a placeholder account, so resolution failures degrade instead
// of blocking.
func (o *Orchestrator) resolveDebtorAccount(ctx context.Context, client BankClient, userID string) string {
	placeholder := fmt.Sprintf("account-%s-%s", userID, client.BankID())

	accountConsent, err := o.Store.LatestApproved(userID, client.BankID(), models.CONSENT_TYPE_ACCOUNTS)
	if err != nil || accountConsent == nil {
		o.Log.Warn().Str("bank", client.BankID()).Str("user", userID).
			Msg("no approved account consent, using placeholder debtor account")
		return placeholder
	}

	accounts, err := client.Accounts(ctx, accountConsent.ConsentId)
	if err != nil || len(accounts) == 0 {
		o.Log.Warn().Err(err).Str("bank", client.BankID()).
			Msg("could not list accounts, using placeholder debtor account")
		return placeholder
	}

	for _, key := range []string{"accountId", "account_id", "id", "identification"} {
		if id, ok := accounts[0][key].(string); ok && id != "" {
			return id
		}
	}
	return placeholder
}

// FullFlowResult is the outcome of requesting all three consent
// types at once. The account consent is mandatory; the other two are
// best effort and report errors inline.
type FullFlowResult struct {
	Account *ConsentState `json:"account"`

	Product    *ConsentState `json:"product,omitempty"`
	ProductErr string        `json:"productError,omitempty"`

	Payment    *ConsentState `json:"payment,omitempty"`
	PaymentErr string        `json:"paymentError,omitempty"`
}

func (o *Orchestrator) InitiateFullFlow(ctx context.Context, userID, bankID string, opts InitiateOptions) (*FullFlowResult, error) {
	account, err := o.Initiate(ctx, userID, bankID, models.CONSENT_TYPE_ACCOUNTS, opts)
	if err != nil {
		return nil, fmt.Errorf("account consent: %w", err)
	}

	result := &FullFlowResult{Account: account}

	if product, err := o.Initiate(ctx, userID, bankID, models.CONSENT_TYPE_PRODUCTS, opts); err != nil {
		o.Log.Warn().Err(err).Str("bank", bankID).Msg("product consent failed")
		result.ProductErr = err.Error()
	} else {
		result.Product = product
	}

	if payment, err := o.Initiate(ctx, userID, bankID, models.CONSENT_TYPE_PAYMENTS, opts); err != nil {
		o.Log.Warn().Err(err).Str("bank", bankID).Msg("payment consent failed")
		result.PaymentErr = err.Error()
	} else {
		result.Payment = payment
	}

	return result, nil
}

// PollStatusResult reports where one consent request stands.
type PollStatusResult struct {
	State       string `json:"state"` // approved, failed, pending
	ConsentID   string `json:"consentId,omitempty"`
	Status      string `json:"status,omitempty"` // raw bank status
	ApprovalURL string `json:"approvalUrl,omitempty"`
}

// PollStatus asks the bank about a pending consent request and folds
// the answer into the stored consent.
func (o *Orchestrator) PollStatus(ctx context.Context, userID, bankID, requestID string) (*PollStatusResult, error) {
	client, err := o.Clients(bankID)
	if err != nil {
		return nil, err
	}

	stored, err := o.Store.ByRequestID(requestID)
	if err != nil {
		return nil, err
	}

	poll, err := client.ConsentStatus(ctx, requestID)
	if err != nil {
		return nil, err
	}

	approvalURL := poll.ApprovalURL
	if approvalURL == "" && stored != nil {
		approvalURL = stored.ApprovalUrl
	}

	switch {
	case poll.Outcome == obr.OutcomeFailed:
		if _, err := o.Store.PromoteRequest(requestID, poll.ConsentID, terminalStatusOf(poll.Status)); err != nil {
			return nil, err
		}
		return &PollStatusResult{State: "failed", ConsentID: poll.ConsentID, Status: poll.Status}, nil

	case poll.Outcome == obr.OutcomeAuthorized && poll.ConsentID != "":
		promoted, err := o.Store.PromoteRequest(requestID, poll.ConsentID, models.CONSENT_STATUS_APPROVED)
		if err != nil {
			return nil, err
		}
		if !promoted {
			// consent approved but never stored, e.g. after a restart
			consent := &models.Consent{
				UserID:      userID,
				BankID:      bankID,
				ConsentId:   poll.ConsentID,
				RequestId:   requestID,
				ConsentType: models.CONSENT_TYPE_ACCOUNTS,
				Status:      models.CONSENT_STATUS_APPROVED,
			}
			if err := o.Store.Save(consent); err != nil {
				return nil, err
			}
		}
		return &PollStatusResult{State: "approved", ConsentID: poll.ConsentID, Status: poll.Status}, nil
	}

	return &PollStatusResult{
		State:       "pending",
		ConsentID:   poll.ConsentID,
		Status:      poll.Status,
		ApprovalURL: approvalURL,
	}, nil
}

// MarkApproved flips a stored consent to approved, used by the
// redirect callback from the bank's approval page.
func (o *Orchestrator) MarkApproved(userID, ref string) (*models.Consent, error) {
	consent, err := o.Store.ByConsentID(ref)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		consent, err = o.Store.ByRequestID(ref)
		if err != nil {
			return nil, err
		}
	}
	if consent == nil || consent.UserID != userID {
		return nil, nil
	}

	consent.Status = models.CONSENT_STATUS_APPROVED
	if err := o.Store.Save(consent); err != nil {
		return nil, err
	}
	return consent, nil
}

// terminalStatusOf keeps the bank's terminal spelling in the stored
// row; unknown terminal statuses collapse to the generic failure.
func terminalStatusOf(bankStatus string) string {
	switch bankStatus {
	case "Rejected":
		return models.CONSENT_STATUS_REJECTED
	case "Expired":
		return models.CONSENT_STATUS_EXPIRED
	case "Revoked":
		return models.CONSENT_STATUS_REVOKED
	case "Cancelled":
		return models.CONSENT_STATUS_CANCELLED
	}
	return models.CONSENT_STATUS_FAILED
}

func stateOf(status string) string {
	switch status {
	case models.CONSENT_STATUS_APPROVED:
		return "approved"
	case models.CONSENT_STATUS_AWAITING_USER:
		return "pending"
	case models.CONSENT_STATUS_REJECTED,
		models.CONSENT_STATUS_EXPIRED,
		models.CONSENT_STATUS_REVOKED,
		models.CONSENT_STATUS_CANCELLED,
		models.CONSENT_STATUS_FAILED:
		return "failed"
	default:
		return "creating"
	}
}
