package syncer

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"git.sr.ht/~aondrejcak/finpulse-api/obr"
)

// DataStore persists fetched bank data as keyed upserts, keeps the
// bank operation audit log and owns the dashboard cache lifecycle.
type DataStore interface {
	SaveAccounts(userID, bankID string, accounts []map[string]any) error
	SaveBalances(userID, bankID, accountID string, balances []map[string]any) error
	SaveTransactions(userID, bankID string, transactions []obr.Transaction) error
	SaveCredits(userID, bankID string, credits []map[string]any) error

	// LatestSyncedAt is the fetch time of the newest account snapshot
	// of the user, nil when nothing was ever synced.
	LatestSyncedAt(userID string) (*time.Time, error)

	InvalidateDashboard(userID string) error

	LogBankStatus(userID, bankID, operation, status, detail string) error
}

type GormDataStore struct {
	DB *gorm.DB

	Now func() time.Time
}

func (s *GormDataStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func marshalPayload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (s *GormDataStore) SaveAccounts(userID, bankID string, accounts []map[string]any) error {
	now := s.now()
	for _, account := range accounts {
		accountID := accountIDOf(account)
		if accountID == "" {
			continue
		}
		err := s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "bank_id"}, {Name: "account_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "synced_at"}),
		}).Create(&models.Account{
			UserID:    userID,
			BankID:    bankID,
			AccountID: accountID,
			Payload:   marshalPayload(account),
			SyncedAt:  now,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *GormDataStore) SaveBalances(userID, bankID, accountID string, balances []map[string]any) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "bank_id"}, {Name: "account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "synced_at"}),
	}).Create(&models.Balance{
		UserID:    userID,
		BankID:    bankID,
		AccountID: accountID,
		Payload:   marshalPayload(balances),
		SyncedAt:  s.now(),
	}).Error
}

func (s *GormDataStore) SaveTransactions(userID, bankID string, transactions []obr.Transaction) error {
	now := s.now()
	for _, txn := range transactions {
		err := s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "bank_id"}, {Name: "transaction_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"account_id", "amount", "currency", "booking_date", "description", "payload", "synced_at",
			}),
		}).Create(&models.Transaction{
			UserID:        userID,
			BankID:        bankID,
			AccountID:     txn.AccountID,
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			BookingDate:   txn.BookingDate,
			Description:   txn.Description,
			Payload:       marshalPayload(txn.Raw),
			SyncedAt:      now,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *GormDataStore) SaveCredits(userID, bankID string, credits []map[string]any) error {
	now := s.now()
	for _, credit := range credits {
		agreementID := stringAt(credit, "agreementId", "agreement_id", "id")
		if agreementID == "" {
			continue
		}
		err := s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "bank_id"}, {Name: "agreement_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "synced_at"}),
		}).Create(&models.CreditAgreement{
			UserID:      userID,
			BankID:      bankID,
			AgreementID: agreementID,
			Payload:     marshalPayload(credit),
			SyncedAt:    now,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *GormDataStore) LatestSyncedAt(userID string) (*time.Time, error) {
	var snapshot models.Snapshot
	err := s.DB.
		Where("user_id = ? AND data_type = ?", userID, models.SNAPSHOT_ACCOUNTS).
		Order("fetched_at DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot.FetchedAt, nil
}

func (s *GormDataStore) InvalidateDashboard(userID string) error {
	return s.DB.Delete(&models.DashboardCache{}, "user_id = ?", userID).Error
}

func (s *GormDataStore) LogBankStatus(userID, bankID, operation, status, detail string) error {
	return s.DB.Create(&models.BankStatusLog{
		UserID:    userID,
		BankID:    bankID,
		Operation: operation,
		Status:    status,
		Detail:    detail,
	}).Error
}

func accountIDOf(account map[string]any) string {
	return stringAt(account, "accountId", "account_id", "id", "resourceId")
}

func stringAt(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
