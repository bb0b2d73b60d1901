package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceAuthCode is a short-lived out-of-band activation code that lets a
// headless agent be issued a long-lived session token. UserID and Token are
// populated when the browser-side flow binds a user to the code.
type DeviceAuthCode struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Code     string    `gorm:"uniqueIndex;not null;size:8"`
	DeviceID string    `gorm:"not null"`

	UserID *uuid.UUID `gorm:"type:uuid"`
	Token  *string

	IsUsed  bool `gorm:"default:false"`
	Claimed bool `gorm:"default:false"`

	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time

	// Relationships
	User *User `gorm:"foreignKey:UserID"`
}

// BeforeCreate hook to set UUID if not provided
func (c *DeviceAuthCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name
func (DeviceAuthCode) TableName() string {
	return "device_auth_codes"
}
