package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/burrowlabs/burrow/internal/protocol"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

const writeWait = 10 * time.Second

// Session is one live agent transport bound to exactly one tunnel id. All
// outbound frames are serialised through the write mutex; the pending map
// correlates in-flight request ids with their waiting responders.
type Session struct {
	TunnelID    string
	Subdomain   string
	UserID      uuid.UUID
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
	pending sync.Map // request id → chan *protocol.ResponseFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn:        conn,
		ConnectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
}

// SendJSON writes one frame to the agent. Concurrent senders are
// serialised; gorilla/websocket allows only one writer at a time.
func (s *Session) SendJSON(v interface{}) error {
	select {
	case <-s.closed:
		return pkgerrors.ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// RegisterResponder installs a one-shot responder for a correlation id and
// returns its channel. Exactly one of {response, timeout, disconnect}
// claims the entry; the others find it gone.
func (s *Session) RegisterResponder(requestID string) chan *protocol.ResponseFrame {
	ch := make(chan *protocol.ResponseFrame, 1)
	s.pending.Store(requestID, ch)
	return ch
}

// ClaimResponder removes the responder for an id, returning false if it
// was already fulfilled or never existed. Used by the timeout and
// send-failure paths.
func (s *Session) ClaimResponder(requestID string) bool {
	_, ok := s.pending.LoadAndDelete(requestID)
	return ok
}

// DispatchResponse routes an agent response frame to its waiting
// responder. Late responses whose id has already been claimed are
// silently discarded.
func (s *Session) DispatchResponse(resp *protocol.ResponseFrame) bool {
	value, ok := s.pending.LoadAndDelete(resp.ID)
	if !ok {
		return false
	}
	ch := value.(chan *protocol.ResponseFrame)
	ch <- resp // cap 1, claimed exclusively; never blocks
	return true
}

// OutstandingCount reports in-flight responders, for tests and shutdown
// logging.
func (s *Session) OutstandingCount() int {
	count := 0
	s.pending.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// failOutstanding claims every pending responder and closes its channel
// so receivers observe the disconnect.
func (s *Session) failOutstanding() {
	s.pending.Range(func(key, _ interface{}) bool {
		if value, ok := s.pending.LoadAndDelete(key); ok {
			close(value.(chan *protocol.ResponseFrame))
		}
		return true
	})
}

// Close sends a close frame with the given code, then tears the transport
// down and fails all outstanding responders. Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)

		msg := websocket.FormatCloseMessage(code, reason)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
		s.writeMu.Unlock()

		_ = s.conn.Close()
		s.failOutstanding()
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
