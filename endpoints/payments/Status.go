package payments

import (
	"github.com/gin-gonic/gin"
	"go.nhat.io/otelsql/attribute"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

func PaymentStatus(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("payment_status.handler")

	assert.NotNil(rt.Key, "key != nil")

	paymentId := c.Param("paymentId")
	rt.Span.SetAttributes(attribute.KeyValue("payment.id", paymentId))

	var pmt models.Payment
	found, err := rt.First(&pmt, "payment_id = ?", paymentId)
	if !found {
		if err != nil {
			rt.Ef(500, "failed to query database: %v", err.Error())
			return
		}
		rt.Ef(404, "payment with ID '%s' not found", paymentId)
		return
	}

	if pmt.UserID != rt.UserID() {
		rt.Ef(404, "payment with ID '%s' not found", paymentId)
		return
	}

	c.JSON(200, gin.H{
		"paymentId": pmt.PaymentID,
		"bankId":    pmt.BankID,
		"kind":      pmt.Kind,
		"amount":    pmt.Amount,
		"currency":  pmt.Currency,
		"status":    pmt.Status,
		"createdAt": pmt.CreatedAt,
	})
	rt.EndBlock()
}
