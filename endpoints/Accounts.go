package endpoints

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// Accounts serves the synced accounts with their latest balances.
// Data comes from the local store; run a sync to refresh it.
func Accounts(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("accounts.list")

	assert.NotNil(rt.Key, "key != nil")

	query := rt.DB.WithContext(rt.SpanContext).Where("user_id = ?", rt.UserID())
	if bankId := c.Query("bankId"); bankId != "" {
		query = query.Where("bank_id = ?", bankId)
	}

	var accounts []models.Account
	if err := query.Find(&accounts).Error; err != nil {
		rt.Ef(500, "failed to query accounts: %v", err)
		return
	}

	var balances []models.Balance
	err := rt.DB.WithContext(rt.SpanContext).
		Where("user_id = ?", rt.UserID()).
		Find(&balances).Error
	if err != nil {
		rt.Ef(500, "failed to query balances: %v", err)
		return
	}

	balancesByAccount := make(map[string]json.RawMessage, len(balances))
	for _, balance := range balances {
		balancesByAccount[balance.BankID+"/"+balance.AccountID] = json.RawMessage(balance.Payload)
	}

	out := make([]gin.H, 0, len(accounts))
	for _, account := range accounts {
		entry := gin.H{
			"bankId":    account.BankID,
			"accountId": account.AccountID,
			"account":   json.RawMessage(account.Payload),
			"syncedAt":  account.SyncedAt,
		}
		if raw, ok := balancesByAccount[account.BankID+"/"+account.AccountID]; ok {
			entry["balances"] = raw
		}
		out = append(out, entry)
	}

	c.JSON(200, &gin.H{"accounts": out})
	rt.EndBlock()
}

// CreditAgreements serves the synced credit and loan agreements.
func CreditAgreements(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("credits.list")

	assert.NotNil(rt.Key, "key != nil")

	query := rt.DB.WithContext(rt.SpanContext).Where("user_id = ?", rt.UserID())
	if bankId := c.Query("bankId"); bankId != "" {
		query = query.Where("bank_id = ?", bankId)
	}

	var agreements []models.CreditAgreement
	if err := query.Find(&agreements).Error; err != nil {
		rt.Ef(500, "failed to query credit agreements: %v", err)
		return
	}

	out := make([]gin.H, 0, len(agreements))
	for _, agreement := range agreements {
		out = append(out, gin.H{
			"bankId":      agreement.BankID,
			"agreementId": agreement.AgreementID,
			"agreement":   json.RawMessage(agreement.Payload),
			"syncedAt":    agreement.SyncedAt,
		})
	}

	c.JSON(200, &gin.H{"agreements": out})
	rt.EndBlock()
}
