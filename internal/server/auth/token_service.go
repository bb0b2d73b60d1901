package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
	"github.com/burrowlabs/burrow/pkg/logger"
)

const (
	// Issuer identifies tokens minted by this service.
	Issuer = "cli-auth-backend"
	// TokenTTL is the session token lifetime.
	TokenTTL = 30 * 24 * time.Hour
)

// SessionClaims is the signed payload of an agent session token.
type SessionClaims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies agent session tokens (HS256).
type TokenService struct {
	secret []byte
}

// NewTokenService creates a token service over the configured secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(strings.TrimSpace(secret))}
}

// Sign mints a 30-day session token for a user/device pair.
func (s *TokenService) Sign(userID uuid.UUID, email, deviceID string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID:   userID.String(),
		Email:    email,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to sign session token")
	}
	return signed, nil
}

// Verify parses and validates a session token. It never propagates parser
// failures to the registry: any altered payload, bad signature or expired
// token yields (nil, false).
func (s *TokenService) Verify(tokenString string) (*SessionClaims, bool) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, pkgerrors.ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		logger.DebugEvent().Err(err).Msg("Session token rejected")
		return nil, false
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.UserID == "" {
		return nil, false
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, false
	}
	return claims, true
}
