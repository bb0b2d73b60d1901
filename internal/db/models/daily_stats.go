package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DailyStats rolls 24 hourly rows up into one row per (tunnel, date).
// PeakHour is the hour index [0,23] with the greatest request count.
type DailyStats struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TunnelID string    `gorm:"size:64;not null;uniqueIndex:idx_tunnel_date"`
	Date     time.Time `gorm:"not null;uniqueIndex:idx_tunnel_date"`

	TotalRequests   int64   `gorm:"default:0"`
	SuccessRequests int64   `gorm:"default:0"`
	ErrorRequests   int64   `gorm:"default:0"`
	AvgResponseTime float64 `gorm:"default:0"`
	TotalBandwidth  int64   `gorm:"default:0"`
	UniqueVisitors  int64   `gorm:"default:0"`
	PeakHour        int     `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relationships
	Tunnel Tunnel `gorm:"foreignKey:TunnelID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook to set UUID
func (d *DailyStats) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name
func (DailyStats) TableName() string {
	return "daily_stats"
}
