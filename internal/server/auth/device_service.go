package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/store"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
	"github.com/burrowlabs/burrow/pkg/logger"
	"github.com/burrowlabs/burrow/pkg/utils"
)

const (
	// DeviceCodeTTL is how long an unclaimed activation code stays valid.
	DeviceCodeTTL = 10 * time.Minute
	// codeAttempts bounds regeneration on code collisions.
	codeAttempts = 10
)

// DeviceService issues and redeems device activation codes so headless
// agents can obtain a long-lived session token out of band.
type DeviceService struct {
	store  *store.Store
	tokens *TokenService
}

// NewDeviceService creates a device-auth service.
func NewDeviceService(st *store.Store, tokens *TokenService) *DeviceService {
	return &DeviceService{store: st, tokens: tokens}
}

// IssueCode allocates a fresh activation code bound to a new device id.
func (s *DeviceService) IssueCode(ctx context.Context) (*models.DeviceAuthCode, error) {
	deviceID := utils.GenerateDeviceID()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := utils.GenerateDeviceCode()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to generate device code")
		}

		row := &models.DeviceAuthCode{
			Code:      code,
			DeviceID:  deviceID,
			ExpiresAt: time.Now().Add(DeviceCodeTTL),
		}
		err = s.store.CreateDeviceCode(ctx, row)
		if err == nil {
			logger.InfoEvent().
				Str("device_id", deviceID).
				Time("expires_at", row.ExpiresAt).
				Msg("Issued device activation code")
			return row, nil
		}
		if !errors.Is(err, pkgerrors.ErrCodeAllocationFailed) {
			return nil, err
		}
	}

	return nil, pkgerrors.ErrCodeAllocationFailed
}

// BindUser attaches a user to a pending code and mints the session token
// the agent will later collect. The browser-side flow calls this after the
// user signed in.
func (s *DeviceService) BindUser(ctx context.Context, code, email, name string) error {
	row, err := s.store.FindDeviceCode(ctx, code)
	if err != nil {
		return err
	}
	if row.ExpiresAt.Before(time.Now()) {
		return pkgerrors.ErrCodeExpired
	}
	if row.IsUsed || row.Claimed {
		return pkgerrors.ErrCodeNotFound
	}

	user, err := s.store.CreateUserIfMissing(ctx, uuid.New(), email, name)
	if err != nil {
		return err
	}

	token, err := s.tokens.Sign(user.ID, user.Email, row.DeviceID)
	if err != nil {
		return err
	}

	return s.store.ClaimDeviceCode(ctx, code, user.ID, token)
}

// PollResult is what an agent gets back while polling its code.
type PollResult struct {
	Pending bool
	Token   string
}

// Poll checks whether a code has been claimed. The token is handed out
// exactly once; the code is consumed on pickup.
func (s *DeviceService) Poll(ctx context.Context, code string) (*PollResult, error) {
	row, err := s.store.FindDeviceCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if row.ExpiresAt.Before(time.Now()) {
		return nil, pkgerrors.ErrCodeExpired
	}
	if row.IsUsed {
		return nil, pkgerrors.ErrCodeNotFound
	}
	if !row.Claimed || row.Token == nil {
		return &PollResult{Pending: true}, nil
	}

	if err := s.store.MarkDeviceCodeUsed(ctx, code); err != nil {
		return nil, err
	}
	return &PollResult{Token: *row.Token}, nil
}
