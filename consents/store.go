package consents

import (
	"errors"

	"gorm.io/gorm"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// Store is the persistence boundary of the orchestrator. All lookups
// are scoped by user where it matters.
type Store interface {
	// Save upserts by consent id when one exists, otherwise creates a
	// new row. Empty fields of the incoming consent never overwrite
	// stored values.
	Save(consent *models.Consent) error

	// PromoteRequest attaches a consent id and status to the row that
	// was created under the given request id. Reports whether a row
	// was updated.
	PromoteRequest(requestID, consentID, status string) (bool, error)

	ByRequestID(requestID string) (*models.Consent, error)
	ByConsentID(consentID string) (*models.Consent, error)

	// FindApproved lists approved consents of a user, optionally
	// narrowed to one consent type.
	FindApproved(userID, consentType string) ([]models.Consent, error)

	// LatestApproved returns the newest approved consent of a user at
	// one bank for the given type. A newer pending or failed row does
	// not shadow an older approved one.
	LatestApproved(userID, bankID, consentType string) (*models.Consent, error)

	ForUser(userID string) ([]models.Consent, error)
}

type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) Save(consent *models.Consent) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.Consent
		var err error

		switch {
		case consent.ConsentId != "":
			err = tx.Where("consent_id = ?", consent.ConsentId).First(&existing).Error
		case consent.RequestId != "":
			err = tx.Where("request_id = ?", consent.RequestId).First(&existing).Error
		default:
			return errors.New("consent has neither consent id nor request id")
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(consent).Error
		}
		if err != nil {
			return err
		}

		existing.Status = consent.Status
		if consent.ConsentId != "" {
			existing.ConsentId = consent.ConsentId
		}
		if consent.RequestId != "" {
			existing.RequestId = consent.RequestId
		}
		if consent.ApprovalUrl != "" {
			existing.ApprovalUrl = consent.ApprovalUrl
		}
		if consent.ConsentType != "" {
			existing.ConsentType = consent.ConsentType
		}
		if consent.ExpiresAt != nil {
			existing.ExpiresAt = consent.ExpiresAt
		}

		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*consent = existing
		return nil
	})
}

func (s *GormStore) PromoteRequest(requestID, consentID, status string) (bool, error) {
	updates := map[string]any{"status": status}
	if consentID != "" {
		updates["consent_id"] = consentID
	}

	res := s.DB.Model(&models.Consent{}).
		Where("request_id = ?", requestID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ByRequestID(requestID string) (*models.Consent, error) {
	return s.firstWhere("request_id = ?", requestID)
}

func (s *GormStore) ByConsentID(consentID string) (*models.Consent, error) {
	return s.firstWhere("consent_id = ?", consentID)
}

func (s *GormStore) firstWhere(where string, args ...any) (*models.Consent, error) {
	var consent models.Consent
	if err := s.DB.Where(where, args...).First(&consent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &consent, nil
}

func (s *GormStore) FindApproved(userID, consentType string) ([]models.Consent, error) {
	query := s.DB.Where("user_id = ? AND status = ?", userID, models.CONSENT_STATUS_APPROVED)
	if consentType != "" {
		query = query.Where("consent_type = ?", consentType)
	}

	var out []models.Consent
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) LatestApproved(userID, bankID, consentType string) (*models.Consent, error) {
	var consent models.Consent
	err := s.DB.
		Where("user_id = ? AND bank_id = ? AND consent_type = ? AND status = ?",
			userID, bankID, consentType, models.CONSENT_STATUS_APPROVED).
		Order("created_at DESC").
		First(&consent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &consent, nil
}

func (s *GormStore) ForUser(userID string) ([]models.Consent, error) {
	var out []models.Consent
	if err := s.DB.Where("user_id = ?", userID).Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
