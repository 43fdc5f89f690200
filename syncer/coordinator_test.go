package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

// memLockStore mirrors the acquire semantics of GormLockStore: a
// live lock blocks, a stale one is replaced.
type memLockStore struct {
	mu    sync.Mutex
	locks map[string]*models.SyncLock
	now   func() time.Time
}

func newMemLockStore(now func() time.Time) *memLockStore {
	return &memLockStore{locks: map[string]*models.SyncLock{}, now: now}
}

func (s *memLockStore) Acquire(userID, syncID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.locks[userID]; ok {
		if existing.ExpiresAt.After(now) {
			return false, nil
		}
		delete(s.locks, userID)
	}
	s.locks[userID] = &models.SyncLock{
		UserID:    userID,
		SyncID:    syncID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *memLockStore) Release(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, userID)
	return nil
}

func (s *memLockStore) Active(userID string) (*models.SyncLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok || !lock.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	copied := *lock
	return &copied, nil
}

type memSnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]*models.Snapshot
	now       func() time.Time
}

func newMemSnapshotStore(now func() time.Time) *memSnapshotStore {
	return &memSnapshotStore{snapshots: map[string]*models.Snapshot{}, now: now}
}

func snapshotKey(userID, bankID, dataType string) string {
	return userID + "|" + bankID + "|" + dataType
}

func (s *memSnapshotStore) Get(userID, bankID, dataType string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[snapshotKey(userID, bankID, dataType)]
	if !ok {
		return nil, nil
	}
	copied := *snapshot
	return &copied, nil
}

func (s *memSnapshotStore) Put(userID, bankID, dataType, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(userID, bankID, dataType)] = &models.Snapshot{
		UserID:    userID,
		BankID:    bankID,
		DataType:  dataType,
		Payload:   payload,
		FetchedAt: s.now(),
	}
	return nil
}

type statusLogEntry struct {
	bankID    string
	operation string
	status    string
	detail    string
}

type memDataStore struct {
	mu sync.Mutex

	accounts     map[string][]map[string]any
	balances     map[string][]map[string]any
	transactions map[string][]obr.Transaction
	credits      map[string][]map[string]any

	statusLogs           []statusLogEntry
	dashboardInvalidated int
	syncedAt             *time.Time
}

func newMemDataStore() *memDataStore {
	return &memDataStore{
		accounts:     map[string][]map[string]any{},
		balances:     map[string][]map[string]any{},
		transactions: map[string][]obr.Transaction{},
		credits:      map[string][]map[string]any{},
	}
}

func (s *memDataStore) SaveAccounts(userID, bankID string, accounts []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[bankID] = accounts
	return nil
}

func (s *memDataStore) SaveBalances(userID, bankID, accountID string, balances []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[bankID+"/"+accountID] = balances
	return nil
}

func (s *memDataStore) SaveTransactions(userID, bankID string, transactions []obr.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[bankID] = transactions
	return nil
}

func (s *memDataStore) SaveCredits(userID, bankID string, credits []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[bankID] = credits
	return nil
}

func (s *memDataStore) LatestSyncedAt(userID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedAt, nil
}

func (s *memDataStore) InvalidateDashboard(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboardInvalidated++
	return nil
}

func (s *memDataStore) LogBankStatus(userID, bankID, operation, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLogs = append(s.statusLogs, statusLogEntry{bankID, operation, status, detail})
	return nil
}

func (s *memDataStore) statusOf(bankID string) (statusLogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.statusLogs {
		if entry.bankID == bankID {
			return entry, true
		}
	}
	return statusLogEntry{}, false
}

// fakeDataBank serves canned data or fails every call.
type fakeDataBank struct {
	mu     sync.Mutex
	bankID string
	err    error

	accounts     []map[string]any
	balances     map[string][]map[string]any
	transactions []obr.Transaction
	credits      []map[string]any

	calls map[string]int
}

func newFakeDataBank(bankID string) *fakeDataBank {
	return &fakeDataBank{
		bankID:   bankID,
		balances: map[string][]map[string]any{},
		calls:    map[string]int{},
	}
}

func (b *fakeDataBank) record(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
}

func (b *fakeDataBank) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeDataBank) BankID() string { return b.bankID }

func (b *fakeDataBank) Accounts(ctx context.Context, consentID string) ([]map[string]any, error) {
	b.record("accounts")
	if b.err != nil {
		return nil, b.err
	}
	return b.accounts, nil
}

func (b *fakeDataBank) AccountBalances(ctx context.Context, consentID, accountID string) ([]map[string]any, error) {
	b.record("balances")
	if b.err != nil {
		return nil, b.err
	}
	return b.balances[accountID], nil
}

func (b *fakeDataBank) AllTransactions(ctx context.Context, consentID string, q obr.TransactionQuery) ([]obr.Transaction, error) {
	b.record("transactions")
	if b.err != nil {
		return nil, b.err
	}
	return b.transactions, nil
}

func (b *fakeDataBank) CreditAgreements(ctx context.Context, productConsentID string) ([]map[string]any, error) {
	b.record("credits")
	if b.err != nil {
		return nil, b.err
	}
	return b.credits, nil
}

type consentFixture struct {
	accounts []models.Consent
	products []models.Consent
}

func (f *consentFixture) FindApproved(userID, consentType string) ([]models.Consent, error) {
	switch consentType {
	case models.CONSENT_TYPE_ACCOUNTS:
		return f.accounts, nil
	case models.CONSENT_TYPE_PRODUCTS:
		return f.products, nil
	}
	return nil, nil
}

func approvedConsent(bankID, consentID string) models.Consent {
	return models.Consent{
		UserID:      "u-1",
		BankID:      bankID,
		ConsentType: models.CONSENT_TYPE_ACCOUNTS,
		ConsentId:   consentID,
		Status:      models.CONSENT_STATUS_APPROVED,
	}
}

func newCoordinator(consents ConsentSource, clients map[string]*fakeDataBank) (*Coordinator, *memLockStore, *memSnapshotStore, *memDataStore) {
	now := time.Now
	locks := newMemLockStore(now)
	snapshots := newMemSnapshotStore(now)
	data := newMemDataStore()

	coordinator := &Coordinator{
		Locks:     locks,
		Snapshots: snapshots,
		Data:      data,
		Consents:  consents,
		Clients: func(bankID string) (BankClient, error) {
			client, ok := clients[bankID]
			if !ok {
				return nil, fmt.Errorf("unknown bank %s", bankID)
			}
			return client, nil
		},
		Log: zerolog.Nop(),
	}
	return coordinator, locks, snapshots, data
}

func TestLockConflictUntilTTLExpires(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locks := newMemLockStore(func() time.Time { return current })

	acquired, err := locks.Acquire("u-1", "s-1", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	current = current.Add(10 * time.Second)
	acquired, err = locks.Acquire("u-1", "s-2", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "live lock must block a second sync")

	current = current.Add(291 * time.Second)
	acquired, err = locks.Acquire("u-1", "s-3", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "stale lock must be replaced after the ttl")

	lock, err := locks.Active("u-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "s-3", lock.SyncID)
}

func TestStartSyncConflictReportsRunningSync(t *testing.T) {
	bank := newFakeDataBank("vbank")
	coordinator, locks, _, _ := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)

	acquired, err := locks.Acquire("u-1", "s-existing", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = coordinator.StartSync("u-1", false)
	var running *SyncRunningError
	require.ErrorAs(t, err, &running)
	assert.Equal(t, "s-existing", running.SyncID)
}

func TestStartSyncRunsBanksAndReleasesLock(t *testing.T) {
	bank := newFakeDataBank("vbank")
	bank.accounts = []map[string]any{{"accountId": "a-1"}}
	bank.balances["a-1"] = []map[string]any{{"amount": "100.00"}}
	bank.transactions = []obr.Transaction{{ID: "t-1", Amount: -10}}

	coordinator, locks, snapshots, data := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)

	ticket, err := coordinator.StartSync("u-1", false)
	require.NoError(t, err)
	assert.Equal(t, "queued", ticket.Status)
	assert.NotEmpty(t, ticket.SyncID)

	coordinator.Wait()

	assert.Len(t, data.accounts["vbank"], 1)
	assert.Len(t, data.balances["vbank/a-1"], 1)
	assert.Len(t, data.transactions["vbank"], 1)

	snapshot, err := snapshots.Get("u-1", "vbank", models.SNAPSHOT_ACCOUNTS)
	require.NoError(t, err)
	assert.NotNil(t, snapshot)

	entry, ok := data.statusOf("vbank")
	require.True(t, ok)
	assert.Equal(t, models.BANK_OP_STATUS_OK, entry.status)
	assert.Equal(t, 1, data.dashboardInvalidated)

	lock, err := locks.Active("u-1")
	require.NoError(t, err)
	assert.Nil(t, lock, "lock must be released when the run ends")
}

func TestSyncIsolatesFailingBank(t *testing.T) {
	healthy := newFakeDataBank("vbank")
	healthy.accounts = []map[string]any{{"accountId": "a-1"}}
	broken := newFakeDataBank("tbank")
	broken.err = errors.New("connection refused")

	coordinator, locks, _, data := newCoordinator(
		&consentFixture{accounts: []models.Consent{
			approvedConsent("vbank", "c-1"),
			approvedConsent("tbank", "c-2"),
		}},
		map[string]*fakeDataBank{"vbank": healthy, "tbank": broken},
	)

	_, err := coordinator.StartSync("u-1", false)
	require.NoError(t, err)
	coordinator.Wait()

	assert.Len(t, data.accounts["vbank"], 1, "healthy bank data must survive the failure")

	entry, ok := data.statusOf("tbank")
	require.True(t, ok)
	assert.Equal(t, models.BANK_OP_STATUS_ERROR, entry.status)
	assert.Contains(t, entry.detail, "connection refused")

	entry, ok = data.statusOf("vbank")
	require.True(t, ok)
	assert.Equal(t, models.BANK_OP_STATUS_OK, entry.status)

	lock, err := locks.Active("u-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestSyncSkipsFreshSnapshots(t *testing.T) {
	bank := newFakeDataBank("vbank")
	coordinator, _, snapshots, _ := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)

	for _, dataType := range []string{
		models.SNAPSHOT_ACCOUNTS,
		models.SNAPSHOT_BALANCES,
		models.SNAPSHOT_TRANSACTIONS,
	} {
		require.NoError(t, snapshots.Put("u-1", "vbank", dataType, "[]"))
	}

	_, err := coordinator.StartSync("u-1", false)
	require.NoError(t, err)
	coordinator.Wait()

	assert.Zero(t, bank.callCount("accounts"))
	assert.Zero(t, bank.callCount("transactions"))
}

func TestGetSyncStatusRunningAndCompleted(t *testing.T) {
	coordinator, locks, _, data := newCoordinator(&consentFixture{}, nil)

	syncedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	data.syncedAt = &syncedAt

	status, err := coordinator.GetSyncStatus("u-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	require.NotNil(t, status.SyncedAt)
	assert.Equal(t, syncedAt, *status.SyncedAt)

	acquired, err := locks.Acquire("u-1", "s-live", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	status, err = coordinator.GetSyncStatus("u-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, "s-live", status.SyncID)
	assert.NotNil(t, status.ExpiresAt)
}

func TestRunFullRefreshRequiresConsents(t *testing.T) {
	coordinator, _, _, _ := newCoordinator(&consentFixture{}, nil)

	_, err := coordinator.RunFullRefresh(context.Background(), "u-1", true, false)
	assert.ErrorIs(t, err, ErrNoApprovedConsents)
}

func TestRunFullRefreshBypassesFreshSnapshots(t *testing.T) {
	bank := newFakeDataBank("vbank")
	bank.accounts = []map[string]any{{"accountId": "a-1"}}

	coordinator, locks, snapshots, data := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)

	require.NoError(t, snapshots.Put("u-1", "vbank", models.SNAPSHOT_ACCOUNTS, "[]"))

	result, err := coordinator.RunFullRefresh(context.Background(), "u-1", true, false)
	require.NoError(t, err)
	require.Len(t, result.Banks, 1)
	assert.Equal(t, models.BANK_OP_STATUS_OK, result.Banks[0].Status)

	assert.Equal(t, 1, bank.callCount("accounts"), "refresh must ignore the snapshot ttl")
	assert.Len(t, data.accounts["vbank"], 1)

	lock, err := locks.Active("u-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestRunFullRefreshCollectsPerBankFailures(t *testing.T) {
	healthy := newFakeDataBank("vbank")
	healthy.accounts = []map[string]any{{"accountId": "a-1"}}
	broken := newFakeDataBank("tbank")
	broken.err = errors.New("upstream 503")

	coordinator, _, _, _ := newCoordinator(
		&consentFixture{accounts: []models.Consent{
			approvedConsent("vbank", "c-1"),
			approvedConsent("tbank", "c-2"),
		}},
		map[string]*fakeDataBank{"vbank": healthy, "tbank": broken},
	)

	result, err := coordinator.RunFullRefresh(context.Background(), "u-1", true, false)
	require.NoError(t, err)
	require.Len(t, result.Banks, 2)

	byBank := map[string]BankRefreshState{}
	for _, state := range result.Banks {
		byBank[state.BankID] = state
	}
	assert.Equal(t, models.BANK_OP_STATUS_OK, byBank["vbank"].Status)
	assert.Equal(t, models.BANK_OP_STATUS_ERROR, byBank["tbank"].Status)
	assert.Contains(t, byBank["tbank"].Error, "upstream 503")
}

func TestRunFullRefreshHonoursFreshSnapshotsWithoutForce(t *testing.T) {
	bank := newFakeDataBank("vbank")
	bank.accounts = []map[string]any{{"accountId": "a-1"}}

	coordinator, _, snapshots, _ := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)

	require.NoError(t, snapshots.Put("u-1", "vbank", models.SNAPSHOT_ACCOUNTS, "[]"))
	require.NoError(t, snapshots.Put("u-1", "vbank", models.SNAPSHOT_BALANCES, "{}"))
	require.NoError(t, snapshots.Put("u-1", "vbank", models.SNAPSHOT_TRANSACTIONS, "[]"))

	result, err := coordinator.RunFullRefresh(context.Background(), "u-1", false, false)
	require.NoError(t, err)
	require.Len(t, result.Banks, 1)
	assert.Equal(t, models.BANK_OP_STATUS_OK, result.Banks[0].Status)

	assert.Equal(t, 0, bank.callCount("accounts"), "fresh snapshots must short-circuit the bank")
	assert.Equal(t, 0, bank.callCount("transactions"))
}

type fakeMetricsEngine struct {
	payload map[string]any
	calls   int
}

func (e *fakeMetricsEngine) ComputeDashboard(ctx context.Context, userID string) (map[string]any, error) {
	e.calls++
	return e.payload, nil
}

func TestRunFullRefreshReturnsDashboardOnRequest(t *testing.T) {
	bank := newFakeDataBank("vbank")
	bank.accounts = []map[string]any{{"accountId": "a-1"}}

	coordinator, _, _, _ := newCoordinator(
		&consentFixture{accounts: []models.Consent{approvedConsent("vbank", "c-1")}},
		map[string]*fakeDataBank{"vbank": bank},
	)
	metrics := &fakeMetricsEngine{payload: map[string]any{"accountCount": int64(1)}}
	coordinator.Metrics = metrics

	result, err := coordinator.RunFullRefresh(context.Background(), "u-1", true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.calls)
	assert.Equal(t, metrics.payload, result.Dashboard)

	result, err = coordinator.RunFullRefresh(context.Background(), "u-1", true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.calls, "dashboard must only be recomputed when asked for")
	assert.Nil(t, result.Dashboard)
}
