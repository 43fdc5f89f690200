package endpoints

import (
	"github.com/gin-gonic/gin"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// Banks lists the partner bank registry with a per-user connected
// flag, set when an approved account consent is on file.
func Banks(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("banks.list")

	assert.NotNil(rt.Key, "key != nil")

	var connected []models.Consent
	err := rt.DB.WithContext(rt.SpanContext).
		Where("user_id = ? AND consent_type = ? AND status = ?",
			rt.UserID(), models.CONSENT_TYPE_ACCOUNTS, models.CONSENT_STATUS_APPROVED).
		Find(&connected).Error
	if err != nil {
		rt.Ef(500, "failed to load consents: %v", err)
		return
	}

	connectedBanks := make(map[string]bool, len(connected))
	for _, consent := range connected {
		connectedBanks[consent.BankID] = true
	}

	banks := make([]gin.H, 0, len(rt.AppRuntime.Banks))
	for _, bank := range rt.AppRuntime.Banks {
		banks = append(banks, gin.H{
			"id":        bank.ID,
			"name":      bank.Name,
			"connected": connectedBanks[bank.ID],
		})
	}

	c.JSON(200, &gin.H{"banks": banks})
	rt.EndBlock()
}
