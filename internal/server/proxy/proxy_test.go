package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/burrowlabs/burrow/internal/db"
	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/geo"
	"github.com/burrowlabs/burrow/internal/protocol"
	"github.com/burrowlabs/burrow/internal/server/auth"
	"github.com/burrowlabs/burrow/internal/server/tunnel"
	"github.com/burrowlabs/burrow/internal/stats"
	"github.com/burrowlabs/burrow/internal/store"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

type proxyFixture struct {
	store    *store.Store
	registry *tunnel.Registry
	pipeline *stats.Pipeline
	proxy    *Proxy
	server   *httptest.Server
	tokens   *auth.TokenService
}

func setupProxy(t *testing.T) *proxyFixture {
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database))

	st := store.New(database)
	tokens := auth.NewTokenService("test-secret")
	registry := tunnel.NewRegistry(st, tokens, "http://localhost:8080")
	pipeline := stats.NewPipeline(st, geo.New(nil))
	pipeline.Start()
	t.Cleanup(pipeline.Close)

	px := New(st, registry, pipeline)
	px.timeout = 300 * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/_agent/ws", registry.HandleWS)
	mux.Handle("/", px)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &proxyFixture{
		store:    st,
		registry: registry,
		pipeline: pipeline,
		proxy:    px,
		server:   server,
		tokens:   tokens,
	}
}

// connectAgent registers an agent and answers forwarded requests with the
// given handler until the connection closes. A nil handler leaves
// requests unanswered.
func (f *proxyFixture) connectAgent(t *testing.T, agentID string, handler func(req protocol.RequestFrame) map[string]interface{}) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/_agent/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var welcome protocol.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))

	token, err := f.tokens.Sign(uuid.New(), "dev@example.com", "device_1_abc")
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    protocol.TypeRegister,
		"agentId": agentID,
		"token":   token,
	}))

	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))
	require.Equal(t, protocol.TypeRegistered, registered.Type)

	go func() {
		_ = conn.SetReadDeadline(time.Time{})
		for {
			var req protocol.RequestFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Type != protocol.TypeRequest || handler == nil {
				continue
			}
			if reply := handler(req); reply != nil {
				reply["type"] = protocol.TypeResponse
				reply["id"] = req.ID
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}()

	return conn
}

func TestProxyHappyPath(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		assert.Equal(t, "POST", req.Headers["X-Seen-Method"], "headers must pass through")
		return map[string]interface{}{
			"statusCode": 201,
			"headers":    map[string]string{"X-Backend": "local", "Content-Type": "text/plain"},
			"body":       "created:" + req.Body,
		}
	})

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/agent-1/api/items?limit=5", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("X-Seen-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "local", resp.Header.Get("X-Backend"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "created:")
}

func TestProxyForwardsPathAndQuery(t *testing.T) {
	f := setupProxy(t)

	var gotPath string
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		gotPath = req.Path
		return map[string]interface{}{"statusCode": 200}
	})

	resp, err := http.Get(f.server.URL + "/agent-1/deep/nested?x=1&y=2")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/deep/nested?x=1&y=2", gotPath)
}

func TestProxyJSONBodyDefaultsContentType(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		return map[string]interface{}{
			"statusCode": 200,
			"body":       map[string]interface{}{"ok": true},
		}
	})

	resp, err := http.Get(f.server.URL + "/agent-1/api")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestProxyEmptyIdentifier(t *testing.T) {
	f := setupProxy(t)

	resp, err := http.Get(f.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyUnknownTunnel(t *testing.T) {
	f := setupProxy(t)

	resp, err := http.Get(f.server.URL + "/nothere/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyOfflineTunnel(t *testing.T) {
	f := setupProxy(t)
	conn := f.connectAgent(t, "agent-1", nil)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		tun, err := f.store.GetTunnelByID(context.Background(), "agent-1")
		return err == nil && !tun.IsActive
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(f.server.URL + "/agent-1/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "tunnel_offline", payload["error"])
	assert.Equal(t, "agent-1", payload["tunnelId"])
}

func TestProxyActiveWithoutSessionRepairsFlag(t *testing.T) {
	f := setupProxy(t)

	user, err := f.store.CreateUserIfMissing(context.Background(), uuid.New(), "dev@example.com", "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertTunnel(context.Background(), &models.Tunnel{
		ID:        "ghost",
		UserID:    user.ID,
		Subdomain: "ghost",
		Name:      "ghost",
		Protocol:  "http",
	}))

	resp, err := http.Get(f.server.URL + "/ghost/api")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	tun, err := f.store.GetTunnelByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, tun.IsActive, "ghost active flag must be repaired")
}

func TestProxyTimeout(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", nil)

	start := time.Now()
	resp, err := http.Get(f.server.URL + "/agent-1/slow")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestProxyDisconnectMidFlight(t *testing.T) {
	f := setupProxy(t)

	var conn *websocket.Conn
	conn = f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		_ = conn.Close()
		return nil
	})

	resp, err := http.Get(f.server.URL + "/agent-1/api")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyBodyTooLarge(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		return map[string]interface{}{"statusCode": 200}
	})

	body := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	resp, err := http.Post(f.server.URL+"/agent-1/upload", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestProxyDrain(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		return map[string]interface{}{"statusCode": 200}
	})

	f.proxy.Drain()

	resp, err := http.Get(f.server.URL + "/agent-1/api")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyShutdownAnswersInFlightWith503(t *testing.T) {
	f := setupProxy(t)
	f.proxy.timeout = 5 * time.Second
	f.connectAgent(t, "agent-1", nil)

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get(f.server.URL + "/agent-1/slow")
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	// Let the request reach the agent before draining.
	time.Sleep(100 * time.Millisecond)
	f.proxy.Drain()
	f.registry.Shutdown(context.Background())

	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusServiceUnavailable, status,
			"in-flight requests cut off by shutdown must see 503, not 502")
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request did not complete during shutdown")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestReadBodyDistinguishesErrors(t *testing.T) {
	t.Run("oversized body maps to too-large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/agent-1/upload",
			bytes.NewReader(bytes.Repeat([]byte("a"), MaxBodyBytes+1)))
		_, err := readBody(httptest.NewRecorder(), req)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestTooLarge)
	})

	t.Run("other read failures keep their error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/agent-1/upload", failingReader{})
		_, err := readBody(httptest.NewRecorder(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, pkgerrors.ErrRequestTooLarge)
	})
}

func TestProxyBodyReadFailureIsBadRequest(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		return map[string]interface{}{"statusCode": 200}
	})

	req := httptest.NewRequest(http.MethodPost, "/agent-1/upload", failingReader{})
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, "body_read_failed", payload["error"])
}

func TestProxyBumpsTunnelTotals(t *testing.T) {
	f := setupProxy(t)
	f.connectAgent(t, "agent-1", func(req protocol.RequestFrame) map[string]interface{} {
		return map[string]interface{}{"statusCode": 200, "body": "pong"}
	})

	resp, err := http.Get(f.server.URL + "/agent-1/ping")
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		tun, err := f.store.GetTunnelByID(context.Background(), "agent-1")
		return err == nil && tun.TotalRequests == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSplitTunnelPath(t *testing.T) {
	cases := []struct {
		path       string
		identifier string
		rest       string
	}{
		{"/", "", ""},
		{"/myapp", "myapp", ""},
		{"/myapp/", "myapp", ""},
		{"/myapp/api/items", "myapp", "api/items"},
	}
	for _, tc := range cases {
		identifier, rest := splitTunnelPath(tc.path)
		assert.Equal(t, tc.identifier, identifier, tc.path)
		assert.Equal(t, tc.rest, rest, tc.path)
	}
}
