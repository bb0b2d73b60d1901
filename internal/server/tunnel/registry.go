package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/protocol"
	"github.com/burrowlabs/burrow/internal/server/auth"
	"github.com/burrowlabs/burrow/internal/store"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
	"github.com/burrowlabs/burrow/pkg/logger"
	"github.com/burrowlabs/burrow/pkg/utils"
)

const (
	// handshakeTimeout bounds how long a fresh transport may wait before
	// sending its register frame.
	handshakeTimeout = 30 * time.Second
	// subdomainAttempts bounds the -<n> suffix search before falling back
	// to a time-based suffix.
	subdomainAttempts = 100
)

// Registry owns the mapping tunnel id → live session and keeps it
// consistent with the persisted is_active flag.
type Registry struct {
	store   *store.Store
	tokens  *auth.TokenService
	baseURL string

	sessions sync.Map // tunnel id → *Session
	upgrader websocket.Upgrader

	shutdownMu sync.RWMutex
	draining   bool
}

// NewRegistry creates the agent registry.
func NewRegistry(st *store.Store, tokens *auth.TokenService, baseURL string) *Registry {
	return &Registry{
		store:   st,
		tokens:  tokens,
		baseURL: baseURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// CleanupStaleTunnels clears active flags left over from a previous run.
// Called once at boot, before the listener opens.
func (r *Registry) CleanupStaleTunnels(ctx context.Context) error {
	count, err := r.store.MarkAllTunnelsDisconnected(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		logger.InfoEvent().
			Int64("count", count).
			Msg("Marked stale tunnels as disconnected")
	}
	return nil
}

// HandleWS upgrades an agent transport and drives its session lifecycle
// until the socket closes. One goroutine per session.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.shutdownMu.RLock()
	draining := r.draining
	r.shutdownMu.RUnlock()
	if draining {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.ErrorEvent().Err(err).Msg("Failed to upgrade agent transport")
		return
	}

	session := newSession(conn)
	if err := session.SendJSON(protocol.NewWelcome()); err != nil {
		logger.WarnEvent().Err(err).Msg("Failed to send welcome frame")
		session.Close(protocol.CloseNormal, "")
		return
	}

	if !r.register(req.Context(), session, conn) {
		return
	}

	r.readLoop(session, conn)
}

// register consumes the first frame, authenticates it and binds the
// session to its tunnel. Returns false when the transport was closed.
func (r *Registry) register(ctx context.Context, session *Session, conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		logger.WarnEvent().Err(err).Msg("Agent closed before registering")
		session.Close(protocol.CloseRegistrationFailed, "expected register frame")
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeRegister || env.AgentID == "" {
		logger.WarnEvent().
			Str("type", env.Type).
			Msg("First frame was not a valid register")
		_ = session.SendJSON(protocol.NewError("first frame must be register", nil))
		session.Close(protocol.CloseRegistrationFailed, "expected register frame")
		return false
	}

	claims, ok := r.tokens.Verify(env.Token)
	if !ok {
		logger.WarnEvent().
			Str("agent_id", env.AgentID).
			Msg("Agent authentication failed")
		session.Close(protocol.CloseAuthFailed, "authentication failed")
		return false
	}

	tunnelID := env.AgentID

	subdomain, err := r.resolveSubdomain(ctx, tunnelID, env.Subdomain, env.TunnelName)
	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("tunnel_id", tunnelID).
			Str("requested_subdomain", env.Subdomain).
			Msg("Subdomain resolution failed")
		_ = session.SendJSON(protocol.NewError("subdomain unavailable", err))
		session.Close(protocol.CloseRegistrationFailed, "subdomain unavailable")
		return false
	}

	userID := uuid.MustParse(claims.UserID)
	if _, err := r.store.CreateUserIfMissing(ctx, userID, claims.Email, ""); err != nil {
		logger.ErrorEvent().Err(err).Str("tunnel_id", tunnelID).Msg("Failed to ensure user")
		_ = session.SendJSON(protocol.NewError("registration failed", err))
		session.Close(protocol.CloseRegistrationFailed, "registration failed")
		return false
	}

	name := env.TunnelName
	if name == "" {
		name = tunnelID
	}
	row := &models.Tunnel{
		ID:        tunnelID,
		UserID:    userID,
		Subdomain: subdomain,
		Name:      name,
		LocalPort: env.LocalPort,
		Protocol:  "http",
	}
	if env.Description != "" {
		row.Description = &env.Description
	}

	// Evict a duplicate before touching the map so the new session never
	// observes the old one. The old transport gets 4002, never the new.
	if prev, loaded := r.sessions.LoadAndDelete(tunnelID); loaded {
		old := prev.(*Session)
		logger.InfoEvent().
			Str("tunnel_id", tunnelID).
			Msg("Evicting duplicate agent session")
		old.Close(protocol.CloseDuplicateTunnel, "replaced by newer session")
	}

	if err := r.store.UpsertTunnel(ctx, row); err != nil {
		logger.ErrorEvent().Err(err).Str("tunnel_id", tunnelID).Msg("Failed to upsert tunnel")
		_ = session.SendJSON(protocol.NewError("registration failed", err))
		session.Close(protocol.CloseRegistrationFailed, "registration failed")
		return false
	}

	session.TunnelID = tunnelID
	session.Subdomain = subdomain
	session.UserID = userID
	r.sessions.Store(tunnelID, session)

	registered := protocol.RegisteredFrame{
		Type: protocol.TypeRegistered,
		Tunnel: protocol.TunnelRecord{
			ID:            row.ID,
			Subdomain:     row.Subdomain,
			Name:          row.Name,
			LocalPort:     row.LocalPort,
			Protocol:      row.Protocol,
			IsActive:      true,
			ConnectedAt:   row.ConnectedAt,
			LastConnected: row.LastConnected,
		},
		URL: fmt.Sprintf("%s/%s", r.baseURL, subdomain),
	}
	if row.Description != nil {
		registered.Tunnel.Description = *row.Description
	}
	if err := session.SendJSON(registered); err != nil {
		logger.WarnEvent().Err(err).Str("tunnel_id", tunnelID).Msg("Failed to send registered frame")
		r.teardown(session)
		return false
	}

	logger.InfoEvent().
		Str("tunnel_id", tunnelID).
		Str("subdomain", subdomain).
		Str("user_id", userID.String()).
		Msg("Agent registered")
	return true
}

// resolveSubdomain picks the subdomain for a registration. Explicit
// requests conflicting with another tunnel fail; implicit ones fall back
// to generated variants of the tunnel name.
func (r *Registry) resolveSubdomain(ctx context.Context, tunnelID, requested, tunnelName string) (string, error) {
	explicit := requested != ""
	desired := utils.NormalizeSubdomain(requested)
	if !explicit {
		desired = utils.NormalizeSubdomain(tunnelID)
	}
	if !utils.IsValidSubdomain(desired) {
		return "", pkgerrors.ErrInvalidSubdomain
	}

	owner, err := r.store.SubdomainOwner(ctx, desired)
	if err != nil {
		return "", err
	}
	if owner == "" || owner == tunnelID {
		return desired, nil
	}
	if explicit {
		return "", pkgerrors.ErrSubdomainTaken
	}

	slug := utils.SlugFromName(tunnelName)
	if slug == "" {
		slug = desired
	}
	for n := 1; n <= subdomainAttempts; n++ {
		candidate := utils.CandidateSubdomain(slug, n)
		owner, err := r.store.SubdomainOwner(ctx, candidate)
		if err != nil {
			return "", err
		}
		if owner == "" || owner == tunnelID {
			return candidate, nil
		}
	}
	return utils.TimeSuffixedSubdomain(slug), nil
}

// readLoop processes inbound frames in receipt order until the transport
// closes.
func (r *Registry) readLoop(session *Session, conn *websocket.Conn) {
	defer r.teardown(session)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			// A frame that fails to decode is the agent's problem, not the
			// transport's; drop it and keep the session alive.
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				logger.WarnEvent().
					Err(err).
					Str("tunnel_id", session.TunnelID).
					Msg("Dropping malformed frame")
				continue
			}
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugEvent().
					Err(err).
					Str("tunnel_id", session.TunnelID).
					Msg("Agent transport closed")
			}
			return
		}

		switch env.Type {
		case protocol.TypePing:
			_ = session.SendJSON(protocol.PongFrame{
				Type:      protocol.TypePong,
				Timestamp: time.Now().UnixMilli(),
			})

		case protocol.TypeResponse:
			if env.ID == "" {
				logger.WarnEvent().
					Str("tunnel_id", session.TunnelID).
					Msg("Dropping response frame without id")
				continue
			}
			if !session.DispatchResponse(protocol.DecodeResponse(&env)) {
				logger.DebugEvent().
					Str("tunnel_id", session.TunnelID).
					Str("request_id", env.ID).
					Msg("Discarding late response")
			}

		case protocol.TypePong:
			// Agent answered our keepalive; nothing to do.

		default:
			logger.WarnEvent().
				Str("tunnel_id", session.TunnelID).
				Str("type", env.Type).
				Msg("Dropping unknown frame")
		}
	}
}

// teardown removes the session from the live map, fails its outstanding
// responders and records the disconnect. Eviction already removed the
// entry for replaced sessions, so only the current holder is deleted.
func (r *Registry) teardown(session *Session) {
	closeTime := time.Now()
	session.Close(protocol.CloseNormal, "")

	if session.TunnelID == "" {
		return
	}
	value, ok := r.sessions.Load(session.TunnelID)
	if !ok || value != session {
		// A replacement session owns the tunnel now; marking it
		// disconnected here would clobber the newcomer's active flag.
		return
	}
	r.sessions.Delete(session.TunnelID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.MarkTunnelDisconnected(ctx, session.TunnelID, closeTime); err != nil {
		logger.WarnEvent().
			Err(err).
			Str("tunnel_id", session.TunnelID).
			Msg("Failed to record disconnect")
	}

	logger.InfoEvent().
		Str("tunnel_id", session.TunnelID).
		Str("subdomain", session.Subdomain).
		Msg("Agent session ended")
}

// LiveSession returns the live session for a tunnel id, if any.
func (r *Registry) LiveSession(tunnelID string) (*Session, bool) {
	value, ok := r.sessions.Load(tunnelID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// CountSessions returns the number of live agent sessions.
func (r *Registry) CountSessions() int {
	count := 0
	r.sessions.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Shutdown stops accepting new agents and closes every live session with
// a normal close code.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownMu.Lock()
	r.draining = true
	r.shutdownMu.Unlock()

	r.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		session.Close(protocol.CloseNormal, "server shutting down")
		r.sessions.Delete(key)

		if err := r.store.MarkTunnelDisconnected(ctx, session.TunnelID, time.Now()); err != nil {
			logger.WarnEvent().
				Err(err).
				Str("tunnel_id", session.TunnelID).
				Msg("Failed to record disconnect during shutdown")
		}
		return true
	})
}
