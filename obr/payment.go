package obr

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// PaymentOrder is one single payment under an existing payment
// consent.
type PaymentOrder struct {
	ConsentID string

	DebtorAccountID   string
	CreditorAccountID string

	Amount   float64
	Currency string
	Comment  string
}

type PaymentResult struct {
	PaymentID string
	Status    string
	Raw       map[string]any
}

func (c *Client) InitiatePayment(ctx context.Context, order PaymentOrder) (*PaymentResult, error) {
	currency := order.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)

	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodPost,
		path:   "/payments",
		query:  query,
		headers: map[string]string{
			"X-Payment-Consent-Id": order.ConsentID,
		},
		body: gin.H{
			"data": gin.H{
				"initiation": gin.H{
					"instructedAmount": gin.H{
						"amount":   order.Amount,
						"currency": currency,
					},
					"debtorAccount": gin.H{
						"schemeName":     "RU.CBR.PAN",
						"identification": order.DebtorAccountID,
					},
					"creditorAccount": gin.H{
						"schemeName":     "RU.CBR.PAN",
						"identification": order.CreditorAccountID,
					},
					"comment": order.Comment,
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	data := dataOf(payload)

	paymentID := probeString(payload, "paymentId", "payment_id", "id")
	if paymentID == "" {
		paymentID = probeString(data, "paymentId", "payment_id", "id")
	}
	if paymentID == "" {
		return nil, &ProtocolViolationError{Reason: "payment response carries no payment id"}
	}

	status := probeEither(payload, "status", "transactionStatus")

	return &PaymentResult{
		PaymentID: paymentID,
		Status:    status,
		Raw:       payload,
	}, nil
}
