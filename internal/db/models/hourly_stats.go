package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// HourlyStats is one aggregation bucket per (tunnel, UTC hour). The three
// top-k columns hold ordered JSON arrays of at most 10 (label, count)
// pairs, sorted descending by count.
type HourlyStats struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TunnelID string    `gorm:"size:64;not null;uniqueIndex:idx_tunnel_hour"`
	Hour     time.Time `gorm:"not null;uniqueIndex:idx_tunnel_hour"`

	TotalRequests   int64   `gorm:"default:0"`
	SuccessRequests int64   `gorm:"default:0"`
	ErrorRequests   int64   `gorm:"default:0"`
	AvgResponseTime float64 `gorm:"default:0"`
	TotalBandwidth  int64   `gorm:"default:0"`
	UniqueVisitors  int64   `gorm:"default:0"`

	TopPaths     datatypes.JSON `gorm:"type:json"`
	TopCountries datatypes.JSON `gorm:"type:json"`
	StatusCodes  datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relationships
	Tunnel Tunnel `gorm:"foreignKey:TunnelID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook to set UUID
func (h *HourlyStats) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name
func (HourlyStats) TableName() string {
	return "hourly_stats"
}
