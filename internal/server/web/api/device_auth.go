// Package api exposes the device-activation HTTP endpoints agents use to
// obtain a session token.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/burrowlabs/burrow/internal/server/auth"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
	"github.com/burrowlabs/burrow/pkg/logger"
)

// DeviceAuthHandler serves the device code lifecycle: create, verify,
// poll.
type DeviceAuthHandler struct {
	devices *auth.DeviceService
	baseURL string
}

// NewDeviceAuthHandler creates the handler.
func NewDeviceAuthHandler(devices *auth.DeviceService, baseURL string) *DeviceAuthHandler {
	return &DeviceAuthHandler{devices: devices, baseURL: baseURL}
}

// Create handles POST /_auth/device: allocates a fresh activation code.
func (h *DeviceAuthHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	row, err := h.devices.IssueCode(r.Context())
	if err != nil {
		logger.ErrorEvent().Err(err).Msg("Failed to issue device code")
		writeJSONError(w, http.StatusInternalServerError, "code_allocation_failed", "could not allocate a device code")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code":            row.Code,
		"deviceId":        row.DeviceID,
		"expiresAt":       row.ExpiresAt,
		"verificationUrl": h.baseURL + "/_auth/device/verify",
	})
}

type verifyRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verify handles POST /_auth/device/verify: binds a signed-in user to a
// pending code.
func (h *DeviceAuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Email = strings.TrimSpace(req.Email)
	if req.Code == "" || req.Email == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_fields", "code and email are required")
		return
	}

	err := h.devices.BindUser(r.Context(), req.Code, req.Email, req.Name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "verified"})
	case errors.Is(err, pkgerrors.ErrCodeExpired):
		writeJSONError(w, http.StatusGone, "code_expired", "activation code has expired")
	case errors.Is(err, pkgerrors.ErrCodeNotFound):
		writeJSONError(w, http.StatusNotFound, "code_not_found", "activation code is unknown or already used")
	default:
		logger.ErrorEvent().Err(err).Msg("Failed to verify device code")
		writeJSONError(w, http.StatusInternalServerError, "verify_failed", "could not verify activation code")
	}
}

// Poll handles GET /_auth/device/poll?code=X: hands the token out once.
func (h *DeviceAuthHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_code", "code query parameter is required")
		return
	}

	result, err := h.devices.Poll(r.Context(), code)
	switch {
	case err == nil && result.Pending:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending"})
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "complete", "token": result.Token})
	case errors.Is(err, pkgerrors.ErrCodeExpired):
		writeJSONError(w, http.StatusGone, "code_expired", "activation code has expired")
	case errors.Is(err, pkgerrors.ErrCodeNotFound):
		writeJSONError(w, http.StatusNotFound, "code_not_found", "activation code is unknown or already used")
	default:
		logger.ErrorEvent().Err(err).Msg("Failed to poll device code")
		writeJSONError(w, http.StatusInternalServerError, "poll_failed", "could not poll activation code")
	}
}

// Health handles GET /_health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{"error": code, "message": message})
}
