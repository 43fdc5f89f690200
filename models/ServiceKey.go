package models

import "gorm.io/gorm"

// ServiceKey maps a hashed API key to the user whose data it may touch.
type ServiceKey struct {
	gorm.Model

	UserID    string `gorm:"size:64;index"`
	Label     string
	TokenHash string `gorm:"size:191;uniqueIndex"`
	Enabled   bool   `gorm:"index"`
}
