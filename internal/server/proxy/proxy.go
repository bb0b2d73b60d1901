// Package proxy is the public HTTP front-end: it resolves the tunnel
// identifier from the path prefix, forwards the request over the agent
// session and relays the agent's response.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/protocol"
	"github.com/burrowlabs/burrow/internal/server/tunnel"
	"github.com/burrowlabs/burrow/internal/stats"
	"github.com/burrowlabs/burrow/internal/store"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
	"github.com/burrowlabs/burrow/pkg/logger"
	"github.com/burrowlabs/burrow/pkg/utils"
)

const (
	// RequestTimeout is how long a forwarded request may wait for the
	// agent's response.
	RequestTimeout = 10 * time.Second
	// MaxBodyBytes caps buffered request bodies.
	MaxBodyBytes = 10 << 20
)

// Proxy forwards public requests to agent sessions.
type Proxy struct {
	store    *store.Store
	registry *tunnel.Registry
	pipeline *stats.Pipeline

	timeout  time.Duration
	draining atomic.Bool
}

// New creates the proxy front-end.
func New(st *store.Store, registry *tunnel.Registry, pipeline *stats.Pipeline) *Proxy {
	return &Proxy{
		store:    st,
		registry: registry,
		pipeline: pipeline,
		timeout:  RequestTimeout,
	}
}

// Drain makes the proxy answer every new request with 503. In-flight
// requests keep their responders until they resolve.
func (p *Proxy) Drain() {
	p.draining.Store(true)
}

// ServeHTTP implements the catch-all `/{identifier}/{rest}` route.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		return
	}

	identifier, rest := splitTunnelPath(r.URL.Path)
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing_identifier", "tunnel identifier is required", nil)
		return
	}

	tun, err := p.store.GetTunnelByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrTunnelNotFound) {
			writeError(w, http.StatusNotFound, "tunnel_not_found", "no tunnel matches this identifier", nil)
		} else {
			logger.ErrorEvent().Err(err).Str("identifier", identifier).Msg("Tunnel lookup failed")
			writeError(w, http.StatusInternalServerError, "lookup_failed", "failed to resolve tunnel", nil)
		}
		return
	}

	if !tun.IsActive {
		writeOffline(w, tun)
		return
	}

	session, ok := p.registry.LiveSession(tun.ID)
	if !ok {
		// Persisted state says active but no live session exists; repair
		// the flag so the next request reports 503 instead.
		if repairErr := p.store.MarkTunnelDisconnected(r.Context(), tun.ID, time.Now()); repairErr != nil {
			logger.WarnEvent().Err(repairErr).Str("tunnel_id", tun.ID).Msg("Failed to repair active flag")
		}
		writeError(w, http.StatusBadGateway, "agent_not_connected", "tunnel agent is not connected", nil)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrRequestTooLarge) {
			bodyTooLarge.Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the size limit", nil)
		} else {
			writeError(w, http.StatusBadRequest, "body_read_failed", "failed to read request body", nil)
		}
		return
	}

	p.forward(w, r, tun, session, rest, body)
}

// forward runs the request/response exchange with the agent.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, tun *models.Tunnel, session *tunnel.Session, rest string, body []byte) {
	requestID := utils.GenerateRequestID()
	forwardPath := "/" + rest
	if r.URL.RawQuery != "" {
		forwardPath += "?" + r.URL.RawQuery
	}

	clientIP := clientIP(r)
	p.pipeline.Begin(requestID, tun.ID, r.Method, forwardPath, clientIP, r.UserAgent(), int64(len(body)))

	start := time.Now()
	responder := session.RegisterResponder(requestID)

	frame := protocol.RequestFrame{
		Type:    protocol.TypeRequest,
		ID:      requestID,
		Method:  r.Method,
		Path:    forwardPath,
		Headers: flattenHeaders(r.Header),
		Body:    string(body),
	}
	if err := session.SendJSON(frame); err != nil {
		session.ClaimResponder(requestID)
		p.pipeline.Discard(requestID)
		logger.WarnEvent().Err(err).Str("tunnel_id", tun.ID).Msg("Failed to send request frame")
		writeError(w, http.StatusInternalServerError, "agent_send_failed", "failed to forward request to agent", nil)
		return
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var resp *protocol.ResponseFrame
	select {
	case got, open := <-responder:
		if !open {
			p.answerLostSession(w, requestID, tun, start)
			return
		}
		resp = got

	case <-timer.C:
		if session.ClaimResponder(requestID) {
			p.finish(requestID, tun, http.StatusGatewayTimeout, 0, start)
			writeError(w, http.StatusGatewayTimeout, "agent_timeout", "tunnel agent did not respond in time", nil)
			return
		}
		// Lost the claim race: a response or a disconnect is already on
		// the channel.
		got, open := <-responder
		if !open {
			p.answerLostSession(w, requestID, tun, start)
			return
		}
		resp = got
	}

	p.writeResponse(w, resp)
	p.finish(requestID, tun, resp.StatusCode, int64(len(resp.Body)), start)
}

// answerLostSession handles a responder channel closed before a
// response arrived. During drain the disconnect is the shutdown itself,
// so the caller gets 503 like every other request at that point.
func (p *Proxy) answerLostSession(w http.ResponseWriter, requestID string, tun *models.Tunnel, start time.Time) {
	if p.draining.Load() {
		p.finish(requestID, tun, http.StatusServiceUnavailable, 0, start)
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		return
	}
	p.finish(requestID, tun, http.StatusBadGateway, 0, start)
	writeError(w, http.StatusBadGateway, "agent_disconnected", "tunnel agent disconnected mid-flight", nil)
}

func (p *Proxy) writeResponse(w http.ResponseWriter, resp *protocol.ResponseFrame) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if resp.BodyIsJSON && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// finish records telemetry and bumps the cumulative tunnel counters.
func (p *Proxy) finish(requestID string, tun *models.Tunnel, status int, responseSize int64, start time.Time) {
	elapsed := time.Since(start)
	observeStatus(status)
	requestDuration.Observe(elapsed.Seconds())
	p.pipeline.Finish(requestID, status, responseSize, elapsed)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.BumpTunnelTotals(ctx, tun.ID, 1, responseSize); err != nil {
			logger.WarnEvent().Err(err).Str("tunnel_id", tun.ID).Msg("Failed to bump tunnel totals")
		}
	}()
}

// splitTunnelPath separates "/{identifier}/{rest}" into its parts. The
// rest keeps no leading slash; a bare "/{identifier}" yields an empty
// rest.
func splitTunnelPath(path string) (identifier, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, pkgerrors.ErrRequestTooLarge
		}
		return nil, err
	}
	return body, nil
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for key, values := range h {
		flat[key] = strings.Join(values, ", ")
	}
	return flat
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	for key, value := range extra {
		payload[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOffline answers for a known tunnel whose agent is offline,
// including enough state for the caller to tell a never-connected tunnel
// from a recently dropped one.
func writeOffline(w http.ResponseWriter, tun *models.Tunnel) {
	extra := map[string]interface{}{
		"tunnelId":  tun.ID,
		"subdomain": tun.Subdomain,
	}
	if tun.LastConnected != nil {
		extra["lastConnected"] = tun.LastConnected
	}
	if tun.LastDisconnected != nil {
		extra["lastDisconnected"] = tun.LastDisconnected
	}
	writeError(w, http.StatusServiceUnavailable, "tunnel_offline", "tunnel is not connected", extra)
}
