package obr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

// Consent statuses the sandbox banks answer with. The sets are wider
// than any single bank uses.
var (
	authorizedStatuses = map[string]bool{
		"Authorized":        true,
		"AuthorizedConsent": true,
		"Active":            true,
		"Approved":          true,
	}
	pendingStatuses = map[string]bool{
		"AwaitingAuthorization": true,
		"Pending":               true,
		"AwaitingApproval":      true,
	}
	failedStatuses = map[string]bool{
		"Rejected":  true,
		"Expired":   true,
		"Revoked":   true,
		"Cancelled": true,
	}
)

var accountPermissions = []string{
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadTransactionsDetail",
}

var allowedProductTypes = []string{"deposit", "loan", "card", "account"}

const productConsentMaxAmount = 1e7

// ConsentGrant is the normalized result of a consent initiation.
// Either ConsentID or RequestID is guaranteed to be set.
type ConsentGrant struct {
	ConsentID    string
	RequestID    string
	Status       string
	ApprovalURL  string
	AutoApproved bool
	Raw          map[string]any
}

type PollOutcome string

const (
	OutcomeAuthorized PollOutcome = "authorized"
	OutcomeFailed     PollOutcome = "failed"
	OutcomePending    PollOutcome = "pending"
)

type ConsentPoll struct {
	Outcome     PollOutcome
	ConsentID   string
	Status      string
	ApprovalURL string
	Raw         map[string]any
}

func StatusAuthorized(status string) bool { return authorizedStatuses[status] }
func StatusFailed(status string) bool     { return failedStatuses[status] }
func StatusPending(status string) bool    { return pendingStatuses[status] }

// RequestAccountConsent asks the bank for account, balance and
// transaction read access.
func (c *Client) RequestAccountConsent(ctx context.Context, reason string) (*ConsentGrant, error) {
	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodPost,
		path:   "/account-consents/request",
		body: gin.H{
			"client_id":            c.cfg.ClientID,
			"permissions":          accountPermissions,
			"reason":               reason,
			"requesting_bank":      c.cfg.RequestingBank,
			"requesting_bank_name": c.cfg.RequestingBankName,
		},
	})
	if err != nil {
		return nil, err
	}
	return normalizeConsent(payload)
}

// RequestProductConsent asks for read access over product agreements
// (deposits, loans, cards).
func (c *Client) RequestProductConsent(ctx context.Context, reason string) (*ConsentGrant, error) {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)

	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodPost,
		path:   "/product-agreement-consents/request",
		query:  query,
		body: gin.H{
			"requesting_bank":          c.cfg.RequestingBank,
			"read_product_agreements":  true,
			"open_product_agreements":  true,
			"close_product_agreements": true,
			"allowed_product_types":    allowedProductTypes,
			"max_amount":               productConsentMaxAmount,
			"reason":                   reason,
		},
	})
	if err != nil {
		return nil, err
	}
	return normalizeConsent(payload)
}

// PaymentConsentSpec describes the payment consent to request.
// Kind is single_use, multi_use or vrp.
type PaymentConsentSpec struct {
	Kind            string
	DebtorAccountID string
	Amount          float64

	VRPMaxIndividualAmount float64
	VRPDailyLimit          float64
	VRPMonthlyLimit        float64
}

func (c *Client) RequestPaymentConsent(ctx context.Context, spec PaymentConsentSpec) (*ConsentGrant, error) {
	body := gin.H{
		"client_id":       c.cfg.ClientID,
		"requesting_bank": c.cfg.RequestingBank,
		"consent_type":    spec.Kind,
		"currency":        defaultCurrency,
	}
	if spec.DebtorAccountID != "" {
		body["debtor_account_id"] = spec.DebtorAccountID
	}

	switch spec.Kind {
	case "single_use", "multi_use":
		if spec.Amount > 0 {
			body["amount"] = spec.Amount
		}
	case "vrp":
		body["vrp_max_individual_amount"] = spec.VRPMaxIndividualAmount
		body["vrp_daily_limit"] = spec.VRPDailyLimit
		body["vrp_monthly_limit"] = spec.VRPMonthlyLimit
	default:
		return nil, fmt.Errorf("unknown payment consent kind %q", spec.Kind)
	}

	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodPost,
		path:   "/payment-consents/request",
		body:   body,
	})
	if err != nil {
		return nil, err
	}
	return normalizeConsent(payload)
}

// normalizeConsent folds the two consent reply shapes (flat and
// data-nested) into one grant.
func normalizeConsent(payload map[string]any) (*ConsentGrant, error) {
	data := dataOf(payload)

	consentID := probeString(payload, "consent_id", "consentId")
	if consentID == "" {
		consentID = probeString(data, "consentId", "consent_id")
	}

	requestID := probeString(payload, "request_id", "requestId")
	if requestID == "" {
		requestID = probeString(data, "requestId", "request_id")
	}

	if consentID == "" && requestID == "" {
		return nil, &ProtocolViolationError{Reason: "consent response carries neither consent id nor request id"}
	}

	status := probeEither(payload, "status")

	autoApproved, found := probeBool(payload, "auto_approved")
	if !found {
		autoApproved, found = probeBool(data, "autoApproved", "auto_approved")
	}
	if !found {
		autoApproved = StatusAuthorized(status)
	}

	if status == "" {
		if autoApproved {
			status = "Authorized"
		} else {
			status = "AwaitingAuthorization"
		}
	}

	return &ConsentGrant{
		ConsentID:    consentID,
		RequestID:    requestID,
		Status:       status,
		ApprovalURL:  approvalURL(payload),
		AutoApproved: autoApproved || StatusAuthorized(status),
		Raw:          payload,
	}, nil
}

func approvalURL(payload map[string]any) string {
	for _, holder := range []map[string]any{payload, dataOf(payload)} {
		if holder == nil {
			continue
		}
		if links, ok := asMap(holder["links"]); ok {
			if u := probeString(links, "consentApproval", "consentApprovalUrl", "approvalUrl"); u != "" {
				return u
			}
		}
		if u := probeString(holder, "approvalUrl", "approval_url"); u != "" {
			return u
		}
	}
	return ""
}

// ConsentStatus polls one consent request by its request id. Polling
// goes through the request id even after the consent id exists.
func (c *Client) ConsentStatus(ctx context.Context, requestID string) (*ConsentPoll, error) {
	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodGet,
		path:   "/account-consents/" + url.PathEscape(requestID),
	})
	if err != nil {
		return nil, err
	}

	data := dataOf(payload)

	status := probeEither(payload, "status")
	consentID := probeString(payload, "consent_id", "consentId")
	if consentID == "" {
		consentID = probeString(data, "consentId", "consent_id")
	}

	outcome := OutcomePending
	switch {
	case StatusAuthorized(status):
		outcome = OutcomeAuthorized
	case StatusFailed(status):
		outcome = OutcomeFailed
	}

	return &ConsentPoll{
		Outcome:     outcome,
		ConsentID:   consentID,
		Status:      status,
		ApprovalURL: approvalURL(payload),
		Raw:         payload,
	}, nil
}

// WaitForAuthorization polls at the given interval until the consent
// leaves the pending state or ctx expires. A terminal consent comes
// back as a ConsentTerminalError alongside the final poll.
func (c *Client) WaitForAuthorization(ctx context.Context, requestID string, interval time.Duration) (*ConsentPoll, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *ConsentPoll
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		poll, err := c.ConsentStatus(ctx, requestID)
		if err != nil {
			// the deadline can fire mid-request; keep the last known
			// pending state in that case
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return nil, err
		}
		last = poll

		switch poll.Outcome {
		case OutcomeAuthorized:
			return poll, nil
		case OutcomeFailed:
			return poll, &ConsentTerminalError{ConsentID: poll.ConsentID, Status: poll.Status}
		}

		select {
		case <-ctx.Done():
			return poll, ctx.Err()
		case <-ticker.C:
		}
	}
}
