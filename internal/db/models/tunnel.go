package models

import (
	"time"

	"github.com/google/uuid"
)

// Tunnel represents a named, owned forwarding endpoint. The primary key is
// the agent-chosen opaque id; the subdomain is the URL path prefix and is
// globally unique.
type Tunnel struct {
	ID     string    `gorm:"primaryKey;size:64"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index"`

	Subdomain    string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	Description  *string
	LocalPort    int    `gorm:"default:0"` // advisory only, never opened server-side
	Protocol     string `gorm:"default:'http'"`
	CustomDomain *string

	IsActive         bool `gorm:"default:false;index"`
	ConnectedAt      *time.Time
	LastConnected    *time.Time
	LastDisconnected *time.Time

	TotalRequests  int64 `gorm:"default:0"`
	TotalBandwidth int64 `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relationships
	User User `gorm:"foreignKey:UserID"`
}

// TableName specifies the table name
func (Tunnel) TableName() string {
	return "tunnels"
}
