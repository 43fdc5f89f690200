package obr

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const transactionsPageLimit = 500

// maxCreditPages bounds next-link pagination against banks that link
// to themselves.
const maxCreditPages = 50

// TransactionQuery narrows a transaction fetch by booking time.
type TransactionQuery struct {
	From *time.Time
	To   *time.Time
}

// Accounts lists the accounts visible under an account consent.
func (c *Client) Accounts(ctx context.Context, consentID string) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)

	payload, err := c.call(ctx, callOpts{
		method:  http.MethodGet,
		path:    "/accounts",
		query:   query,
		headers: map[string]string{"X-Consent-Id": consentID},
	})
	if err != nil {
		return nil, err
	}

	return extractList(payload, accountListKeys...), nil
}

// AccountTransactions fetches one page of raw transactions. The
// second return value reports whether another page may exist.
func (c *Client) AccountTransactions(ctx context.Context, consentID, accountID string, page, limit int, q TransactionQuery) ([]map[string]any, bool, error) {
	if limit <= 0 {
		limit = transactionsPageLimit
	}

	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if q.From != nil {
		query.Set("from_booking_date_time", q.From.Format(time.RFC3339))
	}
	if q.To != nil {
		query.Set("to_booking_date_time", q.To.Format(time.RFC3339))
	}

	payload, err := c.call(ctx, callOpts{
		method:  http.MethodGet,
		path:    "/accounts/" + url.PathEscape(accountID) + "/transactions",
		query:   query,
		headers: map[string]string{"X-Consent-Id": consentID},
	})
	if err != nil {
		return nil, false, err
	}

	raw := extractList(payload, txnListKeys...)
	return raw, len(raw) >= limit, nil
}

// AllTransactions walks every account under the consent and folds all
// pages into canonical transactions. Unparsable records are dropped
// with a log line.
func (c *Client) AllTransactions(ctx context.Context, consentID string, q TransactionQuery) ([]Transaction, error) {
	accounts, err := c.Accounts(ctx, consentID)
	if err != nil {
		return nil, err
	}

	var out []Transaction
	for _, account := range accounts {
		accountID := extractAccountID(account)
		if accountID == "" {
			c.log.Warn().Msg("skipping account without an id")
			continue
		}

		for page := 1; ; page++ {
			raw, hasMore, err := c.AccountTransactions(ctx, consentID, accountID, page, transactionsPageLimit, q)
			if err != nil {
				return nil, err
			}

			dropped := 0
			for _, record := range raw {
				txn, ok := toTransaction(record)
				if !ok {
					dropped++
					continue
				}
				if txn.AccountID == "" {
					txn.AccountID = accountID
				}
				out = append(out, *txn)
			}
			if dropped > 0 {
				c.log.Warn().Int("dropped", dropped).
					Str("account", accountID).
					Msg("dropped transactions with unparsable amount or date")
			}

			if !hasMore {
				break
			}
		}
	}

	return out, nil
}

// AccountBalances fetches the balances of one account. Every entry is
// stamped with the account id when the bank left it out.
func (c *Client) AccountBalances(ctx context.Context, consentID, accountID string) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)

	payload, err := c.call(ctx, callOpts{
		method:  http.MethodGet,
		path:    "/accounts/" + url.PathEscape(accountID) + "/balances",
		query:   query,
		headers: map[string]string{"X-Consent-Id": consentID},
	})
	if err != nil {
		return nil, err
	}

	balances := extractList(payload, balanceListKeys...)
	for _, entry := range balances {
		if _, ok := entry["accountId"]; !ok {
			entry["accountId"] = accountID
		}
	}
	return balances, nil
}

// CreditAgreements walks the product agreement list via next links
// and keeps the loan-shaped ones.
func (c *Client) CreditAgreements(ctx context.Context, productConsentID string) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)

	path := "/product-agreements"
	var out []map[string]any

	for page := 0; page < maxCreditPages; page++ {
		payload, err := c.callMap(ctx, callOpts{
			method:  http.MethodGet,
			path:    path,
			query:   query,
			headers: map[string]string{"X-Product-Agreement-Consent-Id": productConsentID},
		})
		if err != nil {
			return nil, err
		}

		for _, agreement := range extractList(payload, creditListKeys...) {
			if isCreditAgreement(agreement) {
				out = append(out, agreement)
			}
		}

		next := nextLink(payload)
		if next == "" {
			break
		}
		resolved, err := c.resolveAgainstBase(next)
		if err != nil {
			c.log.Warn().Err(err).Str("link", next).Msg("ignoring malformed pagination link")
			break
		}
		path = resolved
		query = nil
	}

	return out, nil
}
