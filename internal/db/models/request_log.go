package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestLog is one row per completed public request.
type RequestLog struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TunnelID string    `gorm:"size:64;not null;index:idx_tunnel_ts"`

	Method         string `gorm:"not null"`
	Path           string `gorm:"not null"`
	StatusCode     int
	ResponseTimeMs int
	RequestSize    int64
	ResponseSize   int64

	ClientIP  string
	Country   *string `gorm:"size:8"`
	UserAgent *string `gorm:"size:500"`

	Timestamp time.Time `gorm:"index:idx_tunnel_ts"`

	// Relationships
	Tunnel Tunnel `gorm:"foreignKey:TunnelID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook to set UUID
func (r *RequestLog) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name
func (RequestLog) TableName() string {
	return "request_logs"
}
