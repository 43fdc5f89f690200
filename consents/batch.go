package consents

import (
	"context"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// BatchRequest asks for a set of consent types at one bank.
type BatchRequest struct {
	BankID string   `json:"bankId"`
	Types  []string `json:"types"`
}

type BatchEntry struct {
	BankID      string `json:"bankId"`
	ConsentType string `json:"consentType"`
	Status      string `json:"status"` // approved, pending, error
	ConsentID   string `json:"consentId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	ApprovalURL string `json:"approvalUrl,omitempty"`
	Reused      bool   `json:"reused,omitempty"`
	Error       string `json:"error,omitempty"`
}

type BatchResult struct {
	OverallStatus string       `json:"overallStatus"` // completed, in_progress, partial, error
	Entries       []BatchEntry `json:"entries"`
}

// CreateBatch initiates consents across several banks in one go.
// Approved consents already on file are reused without a bank call.
func (o *Orchestrator) CreateBatch(ctx context.Context, userID string, requests []BatchRequest) (*BatchResult, error) {
	result := &BatchResult{}

	for _, request := range requests {
		types := request.Types
		if len(types) == 0 {
			types = models.ConsentTypes
		}

		for _, consentType := range types {
			entry := o.batchOne(ctx, userID, request.BankID, consentType)
			result.Entries = append(result.Entries, entry)
		}
	}

	result.OverallStatus = rollup(result.Entries)
	return result, nil
}

func (o *Orchestrator) batchOne(ctx context.Context, userID, bankID, consentType string) BatchEntry {
	entry := BatchEntry{BankID: bankID, ConsentType: consentType}

	existing, err := o.Store.LatestApproved(userID, bankID, consentType)
	if err == nil && existing != nil {
		entry.Status = "approved"
		entry.ConsentID = existing.ConsentId
		entry.Reused = true
		return entry
	}

	state, err := o.Initiate(ctx, userID, bankID, consentType, InitiateOptions{})
	if err != nil {
		o.Log.Warn().Err(err).Str("bank", bankID).Str("type", consentType).
			Msg("batch consent initiation failed")
		entry.Status = "error"
		entry.Error = err.Error()
		return entry
	}

	entry.Status = state.Status
	entry.ConsentID = state.ConsentID
	entry.RequestID = state.RequestID
	entry.ApprovalURL = state.ApprovalURL
	return entry
}

// rollup folds the entry statuses into one batch status. Errors next
// to any progress mean partial, errors alone mean error, pending
// alone means in_progress.
func rollup(entries []BatchEntry) string {
	var hasError, hasPending, hasApproved bool
	for _, entry := range entries {
		switch entry.Status {
		case "error":
			hasError = true
		case "pending":
			hasPending = true
		case "approved":
			hasApproved = true
		}
	}

	switch {
	case hasError && (hasPending || hasApproved):
		return "partial"
	case hasError:
		return "error"
	case hasPending:
		return "in_progress"
	default:
		return "completed"
	}
}

// BankOverview groups a user's consents per bank into the three
// consent slots.
type BankOverview struct {
	BankID  string        `json:"bankId"`
	Account *ConsentState `json:"accountConsent,omitempty"`
	Product *ConsentState `json:"productConsent,omitempty"`
	Payment *ConsentState `json:"paymentConsent,omitempty"`
}

func (o *Orchestrator) Overview(userID string) ([]BankOverview, error) {
	consents, err := o.Store.ForUser(userID)
	if err != nil {
		return nil, err
	}

	byBank := make(map[string]*BankOverview)
	var order []string

	for _, consent := range consents {
		overview, ok := byBank[consent.BankID]
		if !ok {
			overview = &BankOverview{BankID: consent.BankID}
			byBank[consent.BankID] = overview
			order = append(order, consent.BankID)
		}

		state := &ConsentState{
			BankID:      consent.BankID,
			ConsentType: consent.ConsentType,
			ConsentID:   consent.ConsentId,
			RequestID:   consent.RequestId,
			Status:      stateOf(consent.Status),
			ApprovalURL: consent.ApprovalUrl,
		}

		// rows are ordered by creation, the newest consent wins a slot
		switch consent.ConsentType {
		case models.CONSENT_TYPE_ACCOUNTS:
			overview.Account = state
		case models.CONSENT_TYPE_PRODUCTS:
			overview.Product = state
		case models.CONSENT_TYPE_PAYMENTS:
			overview.Payment = state
		}
	}

	out := make([]BankOverview, 0, len(order))
	for _, bankID := range order {
		out = append(out, *byBank[bankID])
	}
	return out, nil
}
