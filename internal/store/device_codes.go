package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/burrowlabs/burrow/internal/db/models"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

// FindDeviceCode looks up an activation code.
func (s *Store) FindDeviceCode(ctx context.Context, code string) (*models.DeviceAuthCode, error) {
	var row models.DeviceAuthCode
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrCodeNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query device code")
	}
	return &row, nil
}

// CreateDeviceCode inserts a new activation code row. A unique-constraint
// violation surfaces as ErrCodeAllocationFailed so the caller can retry
// with a fresh code.
func (s *Store) CreateDeviceCode(ctx context.Context, row *models.DeviceAuthCode) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if IsDuplicateError(err) {
			return pkgerrors.ErrCodeAllocationFailed
		}
		return pkgerrors.Wrap(err, "failed to create device code")
	}
	return nil
}

// ClaimDeviceCode binds a user and a freshly minted session token to a
// pending code. Fails on expired, used or already claimed codes.
func (s *Store) ClaimDeviceCode(ctx context.Context, code string, userID uuid.UUID, token string) error {
	result := s.db.WithContext(ctx).
		Model(&models.DeviceAuthCode{}).
		Where("code = ? AND is_used = ? AND claimed = ? AND expires_at > ?", code, false, false, time.Now()).
		Updates(map[string]interface{}{
			"user_id": userID,
			"token":   token,
			"claimed": true,
		})
	if result.Error != nil {
		return pkgerrors.Wrap(result.Error, "failed to claim device code")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrCodeNotFound
	}
	return nil
}

// MarkDeviceCodeUsed consumes a claimed code after the agent picked up the
// token.
func (s *Store) MarkDeviceCodeUsed(ctx context.Context, code string) error {
	result := s.db.WithContext(ctx).
		Model(&models.DeviceAuthCode{}).
		Where("code = ? AND claimed = ?", code, true).
		Update("is_used", true)
	if result.Error != nil {
		return pkgerrors.Wrap(result.Error, "failed to mark device code used")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrCodeNotFound
	}
	return nil
}

// DeleteExpiredDeviceCodes purges codes past their expiry.
func (s *Store) DeleteExpiredDeviceCodes(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.DeviceAuthCode{})
	if result.Error != nil {
		return 0, pkgerrors.Wrap(result.Error, "failed to delete expired device codes")
	}
	return result.RowsAffected, nil
}
