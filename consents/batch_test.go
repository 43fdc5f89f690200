package consents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

func TestCreateBatchReusesApprovedConsentWithoutBankCall(t *testing.T) {
	bank := newFakeBank("vbank")
	o, store := newOrchestrator(bank)

	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "vbank", ConsentId: "c-1",
		ConsentType: models.CONSENT_TYPE_ACCOUNTS,
		Status:      models.CONSENT_STATUS_APPROVED,
	}))

	result, err := o.CreateBatch(context.Background(), "u1", []BatchRequest{
		{BankID: "vbank", Types: []string{models.CONSENT_TYPE_ACCOUNTS}},
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	entry := result.Entries[0]
	assert.Equal(t, "approved", entry.Status)
	assert.True(t, entry.Reused)
	assert.Equal(t, "c-1", entry.ConsentID)
	assert.Equal(t, 0, bank.calls["account"])
	assert.Equal(t, "completed", result.OverallStatus)
}

func TestCreateBatchReusesApprovedConsentShadowedByNewerPendingRow(t *testing.T) {
	bank := newFakeBank("vbank")
	bank.accountGrant = &obr.ConsentGrant{ConsentID: "c-new", AutoApproved: true, Status: "Approved"}
	o, store := newOrchestrator(bank)

	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "vbank", ConsentId: "c-approved",
		ConsentType: models.CONSENT_TYPE_ACCOUNTS,
		Status:      models.CONSENT_STATUS_APPROVED,
	}))
	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "vbank", RequestId: "r-later",
		ConsentType: models.CONSENT_TYPE_ACCOUNTS,
		Status:      models.CONSENT_STATUS_AWAITING_USER,
	}))

	result, err := o.CreateBatch(context.Background(), "u1", []BatchRequest{
		{BankID: "vbank", Types: []string{models.CONSENT_TYPE_ACCOUNTS}},
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	entry := result.Entries[0]
	assert.True(t, entry.Reused, "a newer pending row must not shadow the approved consent")
	assert.Equal(t, "c-approved", entry.ConsentID)
	assert.Equal(t, 0, bank.calls["account"])
}

func TestCreateBatchMixedOutcomes(t *testing.T) {
	vbank := newFakeBank("vbank")
	vbank.accountGrant = &obr.ConsentGrant{ConsentID: "c-1", AutoApproved: true, Status: "Approved"}
	vbank.productGrant = &obr.ConsentGrant{RequestID: "r-1", Status: "AwaitingAuthorization"}

	abank := newFakeBank("abank")
	abank.accountErr = errors.New("connection refused")

	o, _ := newOrchestrator(vbank, abank)

	result, err := o.CreateBatch(context.Background(), "u1", []BatchRequest{
		{BankID: "vbank", Types: []string{models.CONSENT_TYPE_ACCOUNTS, models.CONSENT_TYPE_PRODUCTS}},
		{BankID: "abank", Types: []string{models.CONSENT_TYPE_ACCOUNTS}},
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 3)
	assert.Equal(t, "partial", result.OverallStatus)

	statuses := map[string]string{}
	for _, entry := range result.Entries {
		statuses[entry.BankID+"/"+entry.ConsentType] = entry.Status
	}
	assert.Equal(t, "approved", statuses["vbank/accounts"])
	assert.Equal(t, "pending", statuses["vbank/products"])
	assert.Equal(t, "error", statuses["abank/accounts"])
}

func TestRollupStatuses(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		expected string
	}{
		{"all approved", []string{"approved", "approved"}, "completed"},
		{"only pending", []string{"pending", "pending"}, "in_progress"},
		{"pending and approved", []string{"approved", "pending"}, "in_progress"},
		{"only errors", []string{"error", "error"}, "error"},
		{"errors and pending", []string{"error", "pending"}, "partial"},
		{"errors and approved", []string{"error", "approved"}, "partial"},
		{"empty", nil, "completed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries := make([]BatchEntry, 0, len(tc.statuses))
			for _, status := range tc.statuses {
				entries = append(entries, BatchEntry{Status: status})
			}
			assert.Equal(t, tc.expected, rollup(entries))
		})
	}
}

func TestCreateBatchDefaultsToAllConsentTypes(t *testing.T) {
	bank := newFakeBank("vbank")
	bank.accountGrant = &obr.ConsentGrant{ConsentID: "c-1", AutoApproved: true, Status: "Approved"}
	bank.productGrant = &obr.ConsentGrant{ConsentID: "c-2", AutoApproved: true, Status: "Approved"}
	bank.paymentGrant = &obr.ConsentGrant{ConsentID: "c-3", AutoApproved: true, Status: "Approved"}

	o, _ := newOrchestrator(bank)

	result, err := o.CreateBatch(context.Background(), "u1", []BatchRequest{{BankID: "vbank"}})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 3)
	assert.Equal(t, "completed", result.OverallStatus)
}

func TestOverviewGroupsConsentsPerBank(t *testing.T) {
	o, store := newOrchestrator()

	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "vbank", ConsentId: "c-1",
		ConsentType: models.CONSENT_TYPE_ACCOUNTS, Status: models.CONSENT_STATUS_APPROVED,
	}))
	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "vbank", RequestId: "r-2",
		ConsentType: models.CONSENT_TYPE_PRODUCTS, Status: models.CONSENT_STATUS_AWAITING_USER,
	}))
	require.NoError(t, store.Save(&models.Consent{
		UserID: "u1", BankID: "abank", ConsentId: "c-3",
		ConsentType: models.CONSENT_TYPE_PAYMENTS, Status: models.CONSENT_STATUS_FAILED,
	}))
	require.NoError(t, store.Save(&models.Consent{
		UserID: "u2", BankID: "vbank", ConsentId: "c-other",
		ConsentType: models.CONSENT_TYPE_ACCOUNTS, Status: models.CONSENT_STATUS_APPROVED,
	}))

	overviews, err := o.Overview("u1")
	require.NoError(t, err)
	require.Len(t, overviews, 2)

	byBank := map[string]BankOverview{}
	for _, overview := range overviews {
		byBank[overview.BankID] = overview
	}

	vbank := byBank["vbank"]
	require.NotNil(t, vbank.Account)
	assert.Equal(t, "approved", vbank.Account.Status)
	require.NotNil(t, vbank.Product)
	assert.Equal(t, "pending", vbank.Product.Status)
	assert.Nil(t, vbank.Payment)

	abank := byBank["abank"]
	require.NotNil(t, abank.Payment)
	assert.Equal(t, "failed", abank.Payment.Status)
}
