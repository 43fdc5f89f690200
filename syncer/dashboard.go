package syncer

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// GormMetricsEngine aggregates the synced store into the dashboard
// payload and keeps the cached copy current.
type GormMetricsEngine struct {
	DB *gorm.DB

	Now func() time.Time
}

func (e *GormMetricsEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *GormMetricsEngine) ComputeDashboard(ctx context.Context, userID string) (map[string]any, error) {
	db := e.DB.WithContext(ctx)

	var accountCount, creditCount int64
	if err := db.Model(&models.Account{}).Where("user_id = ?", userID).Count(&accountCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CreditAgreement{}).Where("user_id = ?", userID).Count(&creditCount).Error; err != nil {
		return nil, err
	}

	var banks []string
	err := db.Model(&models.Account{}).
		Where("user_id = ?", userID).
		Distinct("bank_id").
		Pluck("bank_id", &banks).Error
	if err != nil {
		return nil, err
	}

	type flowRow struct {
		Count    int64
		Spent    float64
		Received float64
	}
	var flow flowRow
	err = db.Model(&models.Transaction{}).
		Where("user_id = ?", userID).
		Select("COUNT(*) AS count, " +
			"COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS spent, " +
			"COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS received").
		Scan(&flow).Error
	if err != nil {
		return nil, err
	}

	now := e.now()
	dashboard := map[string]any{
		"bankCount":        len(banks),
		"accountCount":     accountCount,
		"creditCount":      creditCount,
		"transactionCount": flow.Count,
		"totalSpent":       flow.Spent,
		"totalReceived":    flow.Received,
		"computedAt":       now.Format(time.RFC3339),
	}

	payload, err := json.Marshal(dashboard)
	if err != nil {
		return nil, err
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&models.DashboardCache{
		UserID:     userID,
		Payload:    string(payload),
		ComputedAt: now,
	}).Error
	if err != nil {
		return nil, err
	}

	return dashboard, nil
}
