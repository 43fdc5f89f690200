package obr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllTransactionsWalksAccountsAndPages(t *testing.T) {
	const pageSize = transactionsPageLimit

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"accounts": []any{
				map[string]any{"accountId": "a-1"},
				map[string]any{"resourceId": "a-2"},
			}},
		})
	})
	mux.HandleFunc("/accounts/a-1/transactions", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		require.Equal(t, strconv.Itoa(pageSize), r.URL.Query().Get("limit"))

		var records []any
		if page == 1 {
			// full page forces a second fetch
			for i := 0; i < pageSize; i++ {
				records = append(records, map[string]any{
					"transactionId": fmt.Sprintf("t-%d", i),
					"amount":        1.0,
					"bookingDate":   "2026-01-02",
				})
			}
		} else {
			records = append(records, map[string]any{
				"transactionId": "t-last",
				"amount":        2.0,
				"bookingDate":   "2026-01-03",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": records})
	})
	mux.HandleFunc("/accounts/a-2/transactions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": []any{
			map[string]any{
				"transactionId":        "t-x",
				"amount":               5.0,
				"creditDebitIndicator": "debit",
				"bookingDate":          "2026-01-04",
			},
			map[string]any{"transactionId": "broken"},
		}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	cachedToken(store, time.Hour)

	txns, err := c.AllTransactions(context.Background(), "c-1", TransactionQuery{})
	require.NoError(t, err)

	// pageSize + 1 from a-1, one parsable from a-2
	require.Len(t, txns, pageSize+2)

	byID := make(map[string]Transaction, len(txns))
	for _, txn := range txns {
		byID[txn.ID] = txn
	}
	assert.Equal(t, "a-1", byID["t-last"].AccountID)
	assert.Equal(t, -5.0, byID["t-x"].Amount)
	assert.Equal(t, "a-2", byID["t-x"].AccountID)
	assert.NotContains(t, byID, "broken")
}

func TestAccountBalancesStampAccountID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/a-1/balances", r.URL.Path)
		assert.Equal(t, "c-1", r.Header.Get("X-Consent-Id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"balances": []any{
			map[string]any{"amount": 10.0},
			map[string]any{"amount": 20.0, "accountId": "other"},
		}})
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	cachedToken(store, time.Hour)

	balances, err := c.AccountBalances(context.Background(), "c-1", "a-1")
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "a-1", balances[0]["accountId"])
	assert.Equal(t, "other", balances[1]["accountId"])
}

func TestCreditAgreementsFollowNextLinksAndFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/product-agreements", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pc-1", r.Header.Get("X-Product-Agreement-Consent-Id"))
		if r.URL.Query().Get("cursor") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"agreements": []any{
					map[string]any{"agreementId": "g-3", "productType": "loan"},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"agreements": []any{
				map[string]any{"agreementId": "g-1", "productType": "credit_card"},
				map[string]any{"agreementId": "g-2", "productType": "deposit"},
			}},
			"links": map[string]any{"next": "/product-agreements?cursor=2"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	cachedToken(store, time.Hour)

	credits, err := c.CreditAgreements(context.Background(), "pc-1")
	require.NoError(t, err)

	var ids []string
	for _, credit := range credits {
		ids = append(ids, probeString(credit, "agreementId"))
	}
	assert.ElementsMatch(t, []string{"g-1", "g-3"}, ids)
}
