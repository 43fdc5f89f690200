package syncer

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// LockStore serializes syncs per user through a TTL row. An expired
// row counts as free, so a crashed run heals itself once the TTL
// passes.
type LockStore interface {
	// Acquire takes the lock when it is free or expired. Returns
	// false when somebody else holds a live lock.
	Acquire(userID, syncID string, ttl time.Duration) (bool, error)

	Release(userID string) error

	// Active returns the live lock of a user, nil when there is none
	// or it has expired.
	Active(userID string) (*models.SyncLock, error)
}

type GormLockStore struct {
	DB *gorm.DB

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *GormLockStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *GormLockStore) Acquire(userID, syncID string, ttl time.Duration) (bool, error) {
	now := s.now()
	acquired := false

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.SyncLock
		err := tx.Where("user_id = ?", userID).First(&existing).Error
		switch {
		case err == nil:
			if existing.ExpiresAt.After(now) {
				return nil
			}
			// stale row, replace it
			if err := tx.Delete(&models.SyncLock{}, "user_id = ?", userID).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Create(&models.SyncLock{
			UserID:    userID,
			SyncID:    syncID,
			LockedAt:  now,
			ExpiresAt: now.Add(ttl),
		}).Error; err != nil {
			// a concurrent acquire won the primary key race
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return err
		}

		acquired = true
		return nil
	})

	return acquired, err
}

func (s *GormLockStore) Release(userID string) error {
	return s.DB.Delete(&models.SyncLock{}, "user_id = ?", userID).Error
}

func (s *GormLockStore) Active(userID string) (*models.SyncLock, error) {
	var lock models.SyncLock
	err := s.DB.Where("user_id = ? AND expires_at > ?", userID, s.now()).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}
