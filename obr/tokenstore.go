package obr

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// GormTokenStore persists bank tokens so a restart does not force a
// re-grant against every bank.
type GormTokenStore struct {
	DB *gorm.DB
}

func (s *GormTokenStore) Get(bankID string) (*models.BankToken, error) {
	var token models.BankToken
	if err := s.DB.First(&token, "bank_id = ?", bankID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

func (s *GormTokenStore) Put(token *models.BankToken) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bank_id"}},
		UpdateAll: true,
	}).Create(token).Error
}

func (s *GormTokenStore) Invalidate(bankID string) error {
	return s.DB.Delete(&models.BankToken{}, "bank_id = ?", bankID).Error
}
