package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

const (
	defaultLockTTL     = 5 * time.Minute
	defaultSnapshotTTL = 5 * time.Minute
)

// SyncRunningError reports the sync that already holds the user's
// lock.
type SyncRunningError struct {
	SyncID string
}

func (e *SyncRunningError) Error() string {
	return fmt.Sprintf("a sync is already running (id %s)", e.SyncID)
}

// ErrNoApprovedConsents means there is nothing to sync for the user.
var ErrNoApprovedConsents = errors.New("no approved account consents")

// BankClient is the data-plane slice of the bank protocol the
// coordinator needs. *obr.Client satisfies it.
type BankClient interface {
	BankID() string
	Accounts(ctx context.Context, consentID string) ([]map[string]any, error)
	AccountBalances(ctx context.Context, consentID, accountID string) ([]map[string]any, error)
	AllTransactions(ctx context.Context, consentID string, q obr.TransactionQuery) ([]obr.Transaction, error)
	CreditAgreements(ctx context.Context, productConsentID string) ([]map[string]any, error)
}

type ClientProvider func(bankID string) (BankClient, error)

// ConsentSource is the slice of the consent store the coordinator
// reads.
type ConsentSource interface {
	FindApproved(userID, consentType string) ([]models.Consent, error)
}

// MetricsEngine recomputes the dashboard after a full refresh and
// hands back the computed payload.
type MetricsEngine interface {
	ComputeDashboard(ctx context.Context, userID string) (map[string]any, error)
}

type Coordinator struct {
	Locks     LockStore
	Snapshots SnapshotStore
	Data      DataStore
	Consents  ConsentSource
	Clients   ClientProvider
	Metrics   MetricsEngine
	Log       zerolog.Logger

	LockTTL     time.Duration
	SnapshotTTL time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	wg sync.WaitGroup
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) lockTTL() time.Duration {
	if c.LockTTL > 0 {
		return c.LockTTL
	}
	return defaultLockTTL
}

func (c *Coordinator) snapshotTTL() time.Duration {
	if c.SnapshotTTL > 0 {
		return c.SnapshotTTL
	}
	return defaultSnapshotTTL
}

// Wait blocks until every background run has finished. Tests use it
// to join the fire-and-forget jobs.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Ticket acknowledges a queued sync.
type Ticket struct {
	SyncID string `json:"syncId"`
	Status string `json:"status"`
}

// StartSync queues a background sync across every bank the user has
// an approved account consent at. A live lock means a sync is already
// running and comes back as SyncRunningError.
func (c *Coordinator) StartSync(userID string, force bool) (*Ticket, error) {
	if lock, err := c.Locks.Active(userID); err != nil {
		return nil, err
	} else if lock != nil {
		return nil, &SyncRunningError{SyncID: lock.SyncID}
	}

	syncID := uuid.NewString()
	acquired, err := c.Locks.Acquire(userID, syncID, c.lockTTL())
	if err != nil {
		return nil, err
	}
	if !acquired {
		existing, err := c.Locks.Active(userID)
		if err != nil || existing == nil {
			return nil, &SyncRunningError{SyncID: "unknown"}
		}
		return nil, &SyncRunningError{SyncID: existing.SyncID}
	}

	c.wg.Add(1)
	go c.run(userID, syncID, force)

	return &Ticket{SyncID: syncID, Status: "queued"}, nil
}

type bankResult struct {
	bankID string
	err    error
}

// run is the detached sync job. It owns the lock and always releases
// it, even when every bank fails.
func (c *Coordinator) run(userID, syncID string, force bool) {
	defer c.wg.Done()
	defer func() {
		if err := c.Locks.Release(userID); err != nil {
			c.Log.Error().Err(err).Str("user", userID).Msg("failed to release sync lock")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.lockTTL())
	defer cancel()

	log := c.Log.With().Str("user", userID).Str("sync", syncID).Logger()
	log.Info().Msg("sync started")

	accountConsents, productByBank, err := c.approvedConsents(userID)
	if err != nil {
		log.Error().Err(err).Msg("could not load consents")
		return
	}
	if len(accountConsents) == 0 {
		log.Warn().Msg("nothing to sync, no approved account consents")
		return
	}

	results := make(chan bankResult, len(accountConsents))
	var banks sync.WaitGroup

	for _, consent := range accountConsents {
		banks.Add(1)
		go func(consent models.Consent) {
			defer banks.Done()
			err := c.syncBank(ctx, userID, consent, productByBank[consent.BankID], force)
			results <- bankResult{bankID: consent.BankID, err: err}
		}(consent)
	}

	banks.Wait()
	close(results)

	for result := range results {
		if result.err != nil {
			log.Error().Err(result.err).Str("bank", result.bankID).Msg("bank sync failed")
			_ = c.Data.LogBankStatus(userID, result.bankID, "sync",
				models.BANK_OP_STATUS_ERROR, result.err.Error())
			continue
		}
		log.Info().Str("bank", result.bankID).Msg("bank sync finished")
		_ = c.Data.LogBankStatus(userID, result.bankID, "sync", models.BANK_OP_STATUS_OK, "")
	}

	if err := c.Data.InvalidateDashboard(userID); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate dashboard cache")
	}

	log.Info().Msg("sync finished")
}

func (c *Coordinator) approvedConsents(userID string) ([]models.Consent, map[string]string, error) {
	accountConsents, err := c.Consents.FindApproved(userID, models.CONSENT_TYPE_ACCOUNTS)
	if err != nil {
		return nil, nil, err
	}

	productConsents, err := c.Consents.FindApproved(userID, models.CONSENT_TYPE_PRODUCTS)
	if err != nil {
		return nil, nil, err
	}

	productByBank := make(map[string]string, len(productConsents))
	for _, consent := range productConsents {
		productByBank[consent.BankID] = consent.ConsentId
	}

	return accountConsents, productByBank, nil
}

// fresh reports whether the cached snapshot of one data type is still
// inside the TTL.
func (c *Coordinator) fresh(userID, bankID, dataType string, force bool) bool {
	if force {
		return false
	}
	snapshot, err := c.Snapshots.Get(userID, bankID, dataType)
	if err != nil || snapshot == nil {
		return false
	}
	return c.now().Sub(snapshot.FetchedAt) < c.snapshotTTL()
}

// syncBank pulls accounts, balances, transactions and, with a product
// consent on file, credit agreements of one bank. A failure in one
// bank never touches the others; the caller isolates it.
func (c *Coordinator) syncBank(ctx context.Context, userID string, consent models.Consent, productConsentID string, force bool) error {
	client, err := c.Clients(consent.BankID)
	if err != nil {
		return err
	}
	bankID := consent.BankID

	needAccounts := !c.fresh(userID, bankID, models.SNAPSHOT_ACCOUNTS, force)
	needBalances := !c.fresh(userID, bankID, models.SNAPSHOT_BALANCES, force)
	needTransactions := !c.fresh(userID, bankID, models.SNAPSHOT_TRANSACTIONS, force)

	var accounts []map[string]any
	if needAccounts || needBalances {
		accounts, err = client.Accounts(ctx, consent.ConsentId)
		if err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
	}

	if needAccounts {
		if err := c.Data.SaveAccounts(userID, bankID, accounts); err != nil {
			return fmt.Errorf("save accounts: %w", err)
		}
		if err := c.Snapshots.Put(userID, bankID, models.SNAPSHOT_ACCOUNTS, marshalPayload(accounts)); err != nil {
			return fmt.Errorf("cache accounts: %w", err)
		}
	}

	if needBalances {
		allBalances := make(map[string][]map[string]any, len(accounts))
		for _, account := range accounts {
			accountID := accountIDOf(account)
			if accountID == "" {
				continue
			}
			balances, err := client.AccountBalances(ctx, consent.ConsentId, accountID)
			if err != nil {
				return fmt.Errorf("balances of %s: %w", accountID, err)
			}
			if err := c.Data.SaveBalances(userID, bankID, accountID, balances); err != nil {
				return fmt.Errorf("save balances of %s: %w", accountID, err)
			}
			allBalances[accountID] = balances
		}
		if err := c.Snapshots.Put(userID, bankID, models.SNAPSHOT_BALANCES, marshalPayload(allBalances)); err != nil {
			return fmt.Errorf("cache balances: %w", err)
		}
	}

	if needTransactions {
		transactions, err := client.AllTransactions(ctx, consent.ConsentId, obr.TransactionQuery{})
		if err != nil {
			return fmt.Errorf("transactions: %w", err)
		}
		if err := c.Data.SaveTransactions(userID, bankID, transactions); err != nil {
			return fmt.Errorf("save transactions: %w", err)
		}
		if err := c.Snapshots.Put(userID, bankID, models.SNAPSHOT_TRANSACTIONS, marshalTransactions(transactions)); err != nil {
			return fmt.Errorf("cache transactions: %w", err)
		}
	}

	if productConsentID != "" && !c.fresh(userID, bankID, models.SNAPSHOT_CREDITS, force) {
		credits, err := client.CreditAgreements(ctx, productConsentID)
		if err != nil {
			return fmt.Errorf("credit agreements: %w", err)
		}
		if err := c.Data.SaveCredits(userID, bankID, credits); err != nil {
			return fmt.Errorf("save credit agreements: %w", err)
		}
		if err := c.Snapshots.Put(userID, bankID, models.SNAPSHOT_CREDITS, marshalPayload(credits)); err != nil {
			return fmt.Errorf("cache credit agreements: %w", err)
		}
	}

	return nil
}

func marshalTransactions(transactions []obr.Transaction) string {
	raws := make([]map[string]any, 0, len(transactions))
	for _, txn := range transactions {
		raws = append(raws, txn.Raw)
	}
	raw, err := json.Marshal(raws)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// SyncStatus is the observable state of a user's sync: the live lock
// when one is running, otherwise the newest snapshot time.
type SyncStatus struct {
	Status    string     `json:"status"` // running, completed
	SyncID    string     `json:"syncId,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`
}

func (c *Coordinator) GetSyncStatus(userID string) (*SyncStatus, error) {
	lock, err := c.Locks.Active(userID)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		return &SyncStatus{
			Status:    "running",
			SyncID:    lock.SyncID,
			LockedAt:  &lock.LockedAt,
			ExpiresAt: &lock.ExpiresAt,
		}, nil
	}

	syncedAt, err := c.Data.LatestSyncedAt(userID)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Status: "completed", SyncedAt: syncedAt}, nil
}

// BankRefreshState is the per-bank outcome of a full refresh.
type BankRefreshState struct {
	BankID string `json:"bankId"`
	Status string `json:"status"` // ok, error
	Error  string `json:"error,omitempty"`
}

type RefreshResult struct {
	SyncID    string             `json:"syncId"`
	Banks     []BankRefreshState `json:"banks"`
	Dashboard map[string]any     `json:"dashboard,omitempty"`
}

// RunFullRefresh synchronously re-fetches the user's data; force
// bypasses the snapshot cache. Banks are walked one by one and a
// failing bank is recorded without stopping the walk.
func (c *Coordinator) RunFullRefresh(ctx context.Context, userID string, force, includeDashboard bool) (*RefreshResult, error) {
	if lock, err := c.Locks.Active(userID); err != nil {
		return nil, err
	} else if lock != nil {
		return nil, &SyncRunningError{SyncID: lock.SyncID}
	}

	accountConsents, productByBank, err := c.approvedConsents(userID)
	if err != nil {
		return nil, err
	}
	if len(accountConsents) == 0 {
		return nil, ErrNoApprovedConsents
	}

	syncID := uuid.NewString()
	acquired, err := c.Locks.Acquire(userID, syncID, c.lockTTL())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &SyncRunningError{SyncID: "unknown"}
	}
	defer func() {
		if err := c.Locks.Release(userID); err != nil {
			c.Log.Error().Err(err).Str("user", userID).Msg("failed to release sync lock")
		}
	}()

	result := &RefreshResult{SyncID: syncID}

	for _, consent := range accountConsents {
		state := BankRefreshState{BankID: consent.BankID, Status: models.BANK_OP_STATUS_OK}
		if err := c.syncBank(ctx, userID, consent, productByBank[consent.BankID], force); err != nil {
			c.Log.Error().Err(err).Str("bank", consent.BankID).Msg("full refresh failed for bank")
			state.Status = models.BANK_OP_STATUS_ERROR
			state.Error = err.Error()
			_ = c.Data.LogBankStatus(userID, consent.BankID, "refresh",
				models.BANK_OP_STATUS_ERROR, err.Error())
		} else {
			_ = c.Data.LogBankStatus(userID, consent.BankID, "refresh", models.BANK_OP_STATUS_OK, "")
		}
		result.Banks = append(result.Banks, state)
	}

	if err := c.Data.InvalidateDashboard(userID); err != nil {
		c.Log.Warn().Err(err).Msg("failed to invalidate dashboard cache")
	}

	if includeDashboard && c.Metrics != nil {
		dashboard, err := c.Metrics.ComputeDashboard(ctx, userID)
		if err != nil {
			c.Log.Warn().Err(err).Msg("dashboard recomputation failed")
		} else {
			result.Dashboard = dashboard
		}
	}

	return result, nil
}
