package models

import "time"

type DashboardCache struct {
	UserID     string `gorm:"primaryKey;size:64"`
	Payload    string `gorm:"type:longtext"`
	ComputedAt time.Time
}
