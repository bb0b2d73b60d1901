// Package store is the typed persistence gateway over the relational
// schema. All operations are safe to call concurrently; no multi-row
// transaction crosses a component boundary.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/burrowlabs/burrow/internal/db/models"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

// Store wraps the database handle with the operations the core needs.
type Store struct {
	db *gorm.DB
}

// New creates a store over an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetTunnelByIdentifier resolves a tunnel by subdomain first, then by id.
func (s *Store) GetTunnelByIdentifier(ctx context.Context, identifier string) (*models.Tunnel, error) {
	var tunnel models.Tunnel
	err := s.db.WithContext(ctx).Where("subdomain = ?", identifier).First(&tunnel).Error
	if err == nil {
		return &tunnel, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(err, "failed to query tunnel by subdomain")
	}

	err = s.db.WithContext(ctx).Where("id = ?", identifier).First(&tunnel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query tunnel by id")
	}
	return &tunnel, nil
}

// GetTunnelByID fetches a tunnel row by its primary id.
func (s *Store) GetTunnelByID(ctx context.Context, id string) (*models.Tunnel, error) {
	var tunnel models.Tunnel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&tunnel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query tunnel")
	}
	return &tunnel, nil
}

// SubdomainOwner returns the id of the tunnel holding a subdomain, or ""
// when the subdomain is free.
func (s *Store) SubdomainOwner(ctx context.Context, subdomain string) (string, error) {
	var tunnel models.Tunnel
	err := s.db.WithContext(ctx).Select("id").Where("subdomain = ?", subdomain).First(&tunnel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", pkgerrors.Wrap(err, "failed to query subdomain owner")
	}
	return tunnel.ID, nil
}

// UpsertTunnel creates the tunnel row on first registration or refreshes
// the mutable settings plus the connected markers on re-registration.
func (s *Store) UpsertTunnel(ctx context.Context, tunnel *models.Tunnel) error {
	now := time.Now()
	tunnel.IsActive = true
	tunnel.ConnectedAt = &now
	tunnel.LastConnected = &now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":           tunnel.Name,
			"description":    tunnel.Description,
			"local_port":     tunnel.LocalPort,
			"subdomain":      tunnel.Subdomain,
			"is_active":      true,
			"connected_at":   now,
			"last_connected": now,
			"updated_at":     now,
		}),
	}).Create(tunnel).Error
	if err != nil {
		if IsDuplicateError(err) {
			return pkgerrors.ErrSubdomainTaken
		}
		return pkgerrors.Wrap(err, "failed to upsert tunnel")
	}
	return nil
}

// MarkTunnelConnected flips the live markers without touching settings.
func (s *Store) MarkTunnelConnected(ctx context.Context, id string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).
		Model(&models.Tunnel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":      true,
			"connected_at":   now,
			"last_connected": now,
		}).Error
	return pkgerrors.Wrap(err, "failed to mark tunnel connected")
}

// MarkTunnelDisconnected records a transport close.
func (s *Store) MarkTunnelDisconnected(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Tunnel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":         false,
			"last_disconnected": at,
		}).Error
	return pkgerrors.Wrap(err, "failed to mark tunnel disconnected")
}

// MarkAllTunnelsDisconnected clears active flags left over from a previous
// server run. Called once at boot.
func (s *Store) MarkAllTunnelsDisconnected(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Tunnel{}).
		Where("is_active = ?", true).
		Updates(map[string]interface{}{
			"is_active":         false,
			"last_disconnected": time.Now(),
		})
	if result.Error != nil {
		return 0, pkgerrors.Wrap(result.Error, "failed to cleanup stale tunnels")
	}
	return result.RowsAffected, nil
}

// BumpTunnelTotals adds to the cumulative per-tunnel counters with a
// database-level increment so concurrent request paths never lose updates.
func (s *Store) BumpTunnelTotals(ctx context.Context, id string, requests, bandwidth int64) error {
	err := s.db.WithContext(ctx).
		Model(&models.Tunnel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_requests":  gorm.Expr("total_requests + ?", requests),
			"total_bandwidth": gorm.Expr("total_bandwidth + ?", bandwidth),
		}).Error
	return pkgerrors.Wrap(err, "failed to bump tunnel totals")
}

// CreateUserIfMissing returns the user with the given email, creating the
// row on first registration.
func (s *Store) CreateUserIfMissing(ctx context.Context, id uuid.UUID, email, name string) (*models.User, error) {
	user := models.User{ID: id, Email: email, Name: name}
	err := s.db.WithContext(ctx).
		Where("email = ?", email).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create user")
	}
	return &user, nil
}

// IsDuplicateError checks if the error is a unique-constraint violation.
func IsDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, pattern := range []string{
		"duplicate key",
		"already exists",
		"unique constraint",
		"UNIQUE constraint failed",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
