package auth

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/burrowlabs/burrow/internal/db"
	"github.com/burrowlabs/burrow/internal/store"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

func setupDeviceService(t *testing.T) (*DeviceService, *store.Store) {
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database))

	st := store.New(database)
	tokens := NewTokenService("test-secret")
	return NewDeviceService(st, tokens), st
}

func TestDeviceActivationFlow(t *testing.T) {
	svc, _ := setupDeviceService(t)
	ctx := context.Background()

	row, err := svc.IssueCode(ctx)
	require.NoError(t, err)
	assert.Len(t, row.Code, 6)
	assert.Contains(t, row.DeviceID, "device_")

	t.Run("poll before verification is pending", func(t *testing.T) {
		result, err := svc.Poll(ctx, row.Code)
		require.NoError(t, err)
		assert.True(t, result.Pending)
	})

	t.Run("bind user after sign-in", func(t *testing.T) {
		require.NoError(t, svc.BindUser(ctx, row.Code, "dev@example.com", "Dev"))
	})

	t.Run("poll hands the token out once", func(t *testing.T) {
		result, err := svc.Poll(ctx, row.Code)
		require.NoError(t, err)
		assert.False(t, result.Pending)
		assert.NotEmpty(t, result.Token)

		tokens := NewTokenService("test-secret")
		claims, ok := tokens.Verify(result.Token)
		require.True(t, ok)
		assert.Equal(t, "dev@example.com", claims.Email)
		assert.Equal(t, row.DeviceID, claims.DeviceID)

		_, err = svc.Poll(ctx, row.Code)
		assert.ErrorIs(t, err, pkgerrors.ErrCodeNotFound)
	})
}

func TestDeviceCodeEdgeCases(t *testing.T) {
	svc, st := setupDeviceService(t)
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		_, err := svc.Poll(ctx, "NOPE11")
		assert.ErrorIs(t, err, pkgerrors.ErrCodeNotFound)
	})

	t.Run("expired code", func(t *testing.T) {
		row, err := svc.IssueCode(ctx)
		require.NoError(t, err)

		err = st.DB().Model(row).Update("expires_at", time.Now().Add(-time.Minute)).Error
		require.NoError(t, err)

		_, err = svc.Poll(ctx, row.Code)
		assert.ErrorIs(t, err, pkgerrors.ErrCodeExpired)

		err = svc.BindUser(ctx, row.Code, "dev@example.com", "")
		assert.ErrorIs(t, err, pkgerrors.ErrCodeExpired)
	})

	t.Run("double bind fails", func(t *testing.T) {
		row, err := svc.IssueCode(ctx)
		require.NoError(t, err)

		require.NoError(t, svc.BindUser(ctx, row.Code, "dev@example.com", ""))
		err = svc.BindUser(ctx, row.Code, "other@example.com", "")
		assert.Error(t, err)
	})
}
