package models

import (
	"time"
)

// LiveStats holds rolling per-tunnel counters mutated eagerly on every
// completed request. AvgResponseTime is last-wins and ErrorRate is a plain
// accumulator; both semantics are load-bearing for existing dashboards.
type LiveStats struct {
	TunnelID string `gorm:"primaryKey;size:64"`

	RequestsLast5Min  int64   `gorm:"column:requests_last_5min;default:0"`
	RequestsLast1Hour int64   `gorm:"column:requests_last_1hour;default:0"`
	AvgResponseTime   float64 `gorm:"default:0"`
	ErrorRate         float64 `gorm:"default:0"`

	LastUpdated time.Time

	// Relationships
	Tunnel Tunnel `gorm:"foreignKey:TunnelID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name
func (LiveStats) TableName() string {
	return "live_stats"
}
