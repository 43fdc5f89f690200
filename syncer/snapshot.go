package syncer

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// SnapshotStore is the per (user, bank, data type) payload cache
// consulted by non-forced syncs.
type SnapshotStore interface {
	Get(userID, bankID, dataType string) (*models.Snapshot, error)
	Put(userID, bankID, dataType, payload string) error
}

type GormSnapshotStore struct {
	DB *gorm.DB

	Now func() time.Time
}

func (s *GormSnapshotStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *GormSnapshotStore) Get(userID, bankID, dataType string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.DB.
		Where("user_id = ? AND bank_id = ? AND data_type = ?", userID, bankID, dataType).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func (s *GormSnapshotStore) Put(userID, bankID, dataType, payload string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "bank_id"}, {Name: "data_type"},
		},
		UpdateAll: true,
	}).Create(&models.Snapshot{
		UserID:    userID,
		BankID:    bankID,
		DataType:  dataType,
		Payload:   payload,
		FetchedAt: s.now(),
	}).Error
}
