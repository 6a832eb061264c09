package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	maxMessageSize    = 4096
	messageBufferSize = 16
)

// NewUpgrader returns an upgrader using checkOrigin.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// IsUpgradeRequest reports whether r asks for a websocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Session is one client connection.
type Session struct {
	id      string
	conn    *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics

	sendCh   chan []byte
	doneCh   chan struct{}
	closedCh chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ domain.Session = (*Session)(nil)

// NewSession starts the writer goroutine for conn.
func NewSession(conn *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Session {
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		clock:    clock,
		metrics:  m,
		sendCh:   make(chan []byte, messageBufferSize),
		doneCh:   make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	s.metrics.ActiveConnections.Inc()
	s.configureReadSide()
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

// Send queues data for the writer goroutine without blocking.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.doneCh:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-s.doneCh:
		return domain.ErrSessionClosed
	default:
		s.metrics.SlowClients.Inc()
		return domain.ErrSessionBackpressure
	}
}

// Close stops the writer, then sends a close frame with code and reason and closes the
// connection. It returns immediately; Closed is signalled once the connection is gone.
// Calling it more than once is a no-op.
func (s *Session) Close(code int, reason string) {
	s.stopOnce.Do(func() {
		close(s.doneCh)
		go func() {
			s.wg.Wait()
			s.updateWriteDeadline()
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			_ = s.conn.Close()
			s.metrics.ActiveConnections.Dec()
			close(s.closedCh)
		}()
	})
}

// Closed is closed once the underlying connection has been closed.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// ReadPump reads frames until the connection fails or the peer closes it, passing every data
// frame to onMessage. It runs on the caller's goroutine and always leaves the session closed.
// A normal peer close returns nil.
func (s *Session) ReadPump(onMessage func(data []byte)) error {
	defer s.Close(domain.CloseNormal, "")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		onMessage(data)
	}
}

func (s *Session) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.sendCh:
			start := s.clock.Now()
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.abort()
				return
			}
			s.metrics.SendDuration.Observe(s.clock.Since(start).Seconds())
			s.metrics.MessagesSent.Inc()
		case <-ticker.Chan():
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.metrics.PingFailures.Inc()
				s.abort()
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

// abort closes the connection after a write failure so that the read pump returns.
func (s *Session) abort() {
	_ = s.conn.Close()
}

func (s *Session) configureReadSide() {
	s.conn.SetReadLimit(maxMessageSize)
	s.updateReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *Session) updateWriteDeadline() {
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}

func (s *Session) updateReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
