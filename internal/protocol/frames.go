// Package protocol defines the JSON frames exchanged with agents over the
// tunnel transport. One WebSocket message carries exactly one frame.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types, client→server and server→client.
const (
	TypeRegister   = "register"
	TypeWelcome    = "welcome"
	TypeRegistered = "registered"
	TypeError      = "error"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypePing       = "ping"
	TypePong       = "pong"
)

// WebSocket close codes used by the registry.
const (
	CloseNormal             = 1000
	CloseAuthFailed         = 4001
	CloseDuplicateTunnel    = 4002
	CloseRegistrationFailed = 4003
)

// Envelope is the decoded shell of an inbound frame; payload fields are
// flattened into it so a single ReadJSON suffices per message.
type Envelope struct {
	Type string `json:"type"`

	// register
	AgentID     string `json:"agentId,omitempty"`
	Token       string `json:"token,omitempty"`
	TunnelName  string `json:"tunnelName,omitempty"`
	Subdomain   string `json:"subdomain,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
	Description string `json:"description,omitempty"`

	// request / response correlation
	ID         string            `json:"id,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`

	// ping / pong / welcome
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RequestFrame is sent to the agent for every public HTTP request.
type RequestFrame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ResponseFrame is what the multiplexer hands back to the HTTP responder.
type ResponseFrame struct {
	ID         string
	StatusCode int
	Headers    map[string]string
	Body       []byte
	// BodyIsJSON is set when the agent sent a structured body value; the
	// front-end re-serialises it and defaults content-type accordingly.
	BodyIsJSON bool
}

// WelcomeFrame greets a freshly accepted transport.
type WelcomeFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewWelcome builds a welcome frame stamped with the current time.
func NewWelcome() WelcomeFrame {
	return WelcomeFrame{Type: TypeWelcome, Timestamp: time.Now().UnixMilli()}
}

// RegisteredFrame confirms a successful registration and carries the
// canonical tunnel record plus its public URL.
type RegisteredFrame struct {
	Type   string       `json:"type"`
	Tunnel TunnelRecord `json:"tunnel"`
	URL    string       `json:"url"`
}

// TunnelRecord is the wire form of a tunnel row.
type TunnelRecord struct {
	ID            string     `json:"id"`
	Subdomain     string     `json:"subdomain"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	LocalPort     int        `json:"localPort,omitempty"`
	Protocol      string     `json:"protocol"`
	IsActive      bool       `json:"isActive"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastConnected *time.Time `json:"lastConnected,omitempty"`
}

// ErrorFrame reports a registration or protocol failure to the agent.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewError builds an error frame.
func NewError(message string, err error) ErrorFrame {
	f := ErrorFrame{Type: TypeError, Message: message}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// PongFrame answers an agent ping.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DecodeResponse converts an inbound response envelope into a ResponseFrame,
// unwrapping string bodies and flagging structured ones.
func DecodeResponse(env *Envelope) *ResponseFrame {
	resp := &ResponseFrame{
		ID:         env.ID,
		StatusCode: env.StatusCode,
		Headers:    env.Headers,
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}

	if len(env.Body) == 0 {
		return resp
	}

	var s string
	if err := json.Unmarshal(env.Body, &s); err == nil {
		resp.Body = []byte(s)
		return resp
	}

	// Structured value: keep the raw JSON and let the front-end default the
	// content-type to application/json.
	resp.Body = append([]byte(nil), env.Body...)
	resp.BodyIsJSON = true
	return resp
}
