package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrUserNotFound         = errors.New("user not found")
	ErrTunnelNotFound       = errors.New("tunnel not found")
	ErrTunnelOffline        = errors.New("tunnel is not connected")
	ErrAgentNotConnected    = errors.New("no live agent session for tunnel")
	ErrAgentDisconnected    = errors.New("agent disconnected while request in flight")
	ErrSubdomainTaken       = errors.New("subdomain already taken")
	ErrInvalidSubdomain     = errors.New("invalid subdomain format")
	ErrRequestTimeout       = errors.New("agent did not respond in time")
	ErrRequestTooLarge      = errors.New("request body too large")
	ErrRateLimited          = errors.New("rate limited")
	ErrCodeNotFound         = errors.New("device code not found")
	ErrCodeExpired          = errors.New("device code expired")
	ErrCodeAllocationFailed = errors.New("device code allocation failed")
	ErrSessionClosed        = errors.New("agent session closed")
	ErrShuttingDown         = errors.New("server is shutting down")
)

// AppError represents an application error with context
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
