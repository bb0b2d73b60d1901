package tunnel

import (
	"context"
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
	"github.com/burrowlabs/burrow/internal/protocol"
	"github.com/burrowlabs/burrow/internal/server/auth"
	"github.com/burrowlabs/burrow/internal/store"
)

type registryFixture struct {
	registry *Registry
	store    *store.Store
	tokens   *auth.TokenService
	server   *httptest.Server
	wsURL    string
}

func setupRegistry(t *testing.T) *registryFixture {
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database))

	st := store.New(database)
	tokens := auth.NewTokenService("test-secret")
	registry := NewRegistry(st, tokens, "http://localhost:8080")

	server := httptest.NewServer(http.HandlerFunc(registry.HandleWS))
	t.Cleanup(server.Close)

	return &registryFixture{
		registry: registry,
		store:    st,
		tokens:   tokens,
		server:   server,
		wsURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *registryFixture) dial(t *testing.T) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *registryFixture) signToken(t *testing.T) string {
	token, err := f.tokens.Sign(uuid.New(), "dev@example.com", "device_1_abc")
	require.NoError(t, err)
	return token
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	var env protocol.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func register(t *testing.T, f *registryFixture, conn *websocket.Conn, agentID, token, subdomain, name string) {
	welcome := readFrame(t, conn)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       protocol.TypeRegister,
		"agentId":    agentID,
		"token":      token,
		"tunnelName": name,
		"subdomain":  subdomain,
		"localPort":  3000,
	}))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func TestRegisterHappyPath(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", f.signToken(t), "", "My App")

	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))
	assert.Equal(t, protocol.TypeRegistered, registered.Type)
	assert.Equal(t, "agent-1", registered.Tunnel.ID)
	assert.Equal(t, "agent-1", registered.Tunnel.Subdomain)
	assert.Equal(t, "http://localhost:8080/agent-1", registered.URL)

	tunnel, err := f.store.GetTunnelByID(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, tunnel.IsActive)
	assert.Equal(t, "My App", tunnel.Name)

	session, ok := f.registry.LiveSession("agent-1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", session.Subdomain)
}

func TestRegisterBadTokenCloses4001(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", "not-a-token", "", "")
	expectClose(t, conn, protocol.CloseAuthFailed)

	_, err := f.store.GetTunnelByID(context.Background(), "agent-1")
	assert.Error(t, err, "failed auth must not create tunnel rows")
}

func TestRegisterNonRegisterFirstFrameCloses4003(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	welcome := readFrame(t, conn)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": protocol.TypePing}))

	// An error frame precedes the close.
	env := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	expectClose(t, conn, protocol.CloseRegistrationFailed)
}

func TestExplicitSubdomainConflictCloses4003(t *testing.T) {
	f := setupRegistry(t)

	first := f.dial(t)
	register(t, f, first, "agent-1", f.signToken(t), "shared", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, first.ReadJSON(&registered))

	second := f.dial(t)
	register(t, f, second, "agent-2", f.signToken(t), "shared", "")

	env := readFrame(t, second)
	assert.Equal(t, protocol.TypeError, env.Type)
	expectClose(t, second, protocol.CloseRegistrationFailed)
}

func TestImplicitSubdomainCollisionGetsSuffix(t *testing.T) {
	f := setupRegistry(t)

	// Occupy the default subdomain of the incoming agent with another
	// tunnel.
	user, err := f.store.CreateUserIfMissing(context.Background(), uuid.New(), "other@example.com", "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertTunnel(context.Background(), &models.Tunnel{
		ID:        "other",
		UserID:    user.ID,
		Subdomain: "agent-1",
		Name:      "other",
		Protocol:  "http",
	}))

	conn := f.dial(t)
	register(t, f, conn, "agent-1", f.signToken(t), "", "My App")

	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))
	assert.Equal(t, "myapp-1", registered.Tunnel.Subdomain)
}

func TestDuplicateAgentEvictsOldSession(t *testing.T) {
	f := setupRegistry(t)

	old := f.dial(t)
	register(t, f, old, "agent-1", f.signToken(t), "", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, old.ReadJSON(&registered))

	fresh := f.dial(t)
	register(t, f, fresh, "agent-1", f.signToken(t), "", "")
	require.NoError(t, fresh.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, fresh.ReadJSON(&registered))
	assert.Equal(t, protocol.TypeRegistered, registered.Type)

	expectClose(t, old, protocol.CloseDuplicateTunnel)
}

func TestPingGetsPong(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", f.signToken(t), "", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": protocol.TypePing}))
	env := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, env.Type)
	assert.NotZero(t, env.Timestamp)
}

func TestMalformedFrameDoesNotEndSession(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", f.signToken(t), "", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The session must survive the bad frame and keep serving.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": protocol.TypePing}))
	env := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, env.Type)

	_, ok := f.registry.LiveSession("agent-1")
	assert.True(t, ok)
}

func TestDisconnectMarksTunnelInactive(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", f.signToken(t), "", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))

	session, ok := f.registry.LiveSession("agent-1")
	require.True(t, ok)
	responder := session.RegisterResponder("req-1")

	require.NoError(t, conn.Close())

	select {
	case _, open := <-responder:
		assert.False(t, open, "outstanding responders must observe the close")
	case <-time.After(2 * time.Second):
		t.Fatal("responder was not failed on disconnect")
	}

	require.Eventually(t, func() bool {
		_, ok := f.registry.LiveSession("agent-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		tunnel, err := f.store.GetTunnelByID(context.Background(), "agent-1")
		return err == nil && !tunnel.IsActive && tunnel.LastDisconnected != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesSessionsNormally(t *testing.T) {
	f := setupRegistry(t)
	conn := f.dial(t)

	register(t, f, conn, "agent-1", f.signToken(t), "", "")
	var registered protocol.RegisteredFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&registered))

	f.registry.Shutdown(context.Background())

	expectClose(t, conn, websocket.CloseNormalClosure)
	assert.Zero(t, f.registry.CountSessions())
}
