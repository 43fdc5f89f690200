package kernel

import (
	"errors"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
)

func (art *AppRuntime) PrepareDatabase() error {
	dbLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Info,
			Colorful:      true,
		},
	)

	// TranslateError maps MySQL error 1062 onto gorm.ErrDuplicatedKey,
	// which the lock store relies on to detect a concurrent sync.
	db, err := gorm.Open(mysql.Open(art.DatabaseDSN), &gorm.Config{
		Logger:         dbLogger,
		TranslateError: true,
	})
	if err != nil {
		return err
	}

	if err = db.Use(otelgorm.NewPlugin(
		otelgorm.WithAttributes(),
		otelgorm.WithTracerProvider(otel.GetTracerProvider()),
	)); err != nil {
		return err
	}

	_ = db.AutoMigrate(&models.ServiceKey{})
	_ = db.AutoMigrate(&models.Consent{})
	_ = db.AutoMigrate(&models.BankToken{})
	_ = db.AutoMigrate(&models.SyncLock{})
	_ = db.AutoMigrate(&models.Snapshot{})
	_ = db.AutoMigrate(&models.Account{})
	_ = db.AutoMigrate(&models.Transaction{})
	_ = db.AutoMigrate(&models.Balance{})
	_ = db.AutoMigrate(&models.CreditAgreement{})
	_ = db.AutoMigrate(&models.Payment{})
	_ = db.AutoMigrate(&models.BankStatusLog{})
	_ = db.AutoMigrate(&models.DashboardCache{})

	art.DatabaseClient = db

	return nil
}

func (rt *RequestRuntime) First(obj interface{}, where string, args ...interface{}) (bool, error) {
	if err := rt.DB.Where(where, args...).First(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, rt.MakeError(err)
	}
	return true, nil
}
