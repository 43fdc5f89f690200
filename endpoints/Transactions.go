package endpoints

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.nhat.io/otelsql/attribute"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

type TransactionsModel struct {
	BankId    string `form:"bankId"`
	AccountId string `form:"accountId"`

	DateFrom string `form:"dateFrom"` // YYYY-MM-DD
	DateTo   string `form:"dateTo"`   // YYYY-MM-DD
}

// Transactions serves the synced canonical transactions, newest first,
// filterable by bank, account and booking date range.
func Transactions(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("transactions.list")

	assert.NotNil(rt.Key, "key != nil")

	var params TransactionsModel
	if err := c.ShouldBindQuery(&params); err != nil {
		rt.Ef(400, "bad request: %v", err)
		return
	}

	query := rt.DB.WithContext(rt.SpanContext).Where("user_id = ?", rt.UserID())
	if params.BankId != "" {
		query = query.Where("bank_id = ?", params.BankId)
	}
	if params.AccountId != "" {
		query = query.Where("account_id = ?", params.AccountId)
	}
	if params.DateFrom != "" {
		from, err := time.Parse("2006-01-02", params.DateFrom)
		if err != nil {
			rt.Ef(400, "invalid dateFrom '%v', expected YYYY-MM-DD", params.DateFrom)
			return
		}
		query = query.Where("booking_date >= ?", from)
	}
	if params.DateTo != "" {
		to, err := time.Parse("2006-01-02", params.DateTo)
		if err != nil {
			rt.Ef(400, "invalid dateTo '%v', expected YYYY-MM-DD", params.DateTo)
			return
		}
		query = query.Where("booking_date <= ?", to)
	}

	var txns []models.Transaction
	if err := query.Order("booking_date DESC").Find(&txns).Error; err != nil {
		rt.Ef(500, "failed to query transactions: %v", err)
		return
	}

	rt.Span.SetAttributes(attribute.KeyValue("api.transaction_count", len(txns)))

	out := make([]gin.H, 0, len(txns))
	for _, txn := range txns {
		out = append(out, gin.H{
			"bankId":        txn.BankID,
			"accountId":     txn.AccountID,
			"transactionId": txn.TransactionID,
			"amount":        txn.Amount,
			"currency":      txn.Currency,
			"bookingDate":   txn.BookingDate,
			"description":   txn.Description,
		})
	}

	c.JSON(200, &gin.H{"transactions": out})
	rt.EndBlock()
}
