package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pumpResult struct {
	mu       sync.Mutex
	received [][]byte
	err      error
	done     chan struct{}
}

func (p *pumpResult) messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

// testSession starts a server that wraps each upgraded connection in a Session and returns
// the server-side session plus the dialed client connection.
func testSession(t *testing.T) (*Session, *ws.Conn, *pumpResult) {
	t.Helper()

	upgrader := NewUpgrader(func(*http.Request) bool { return true })
	sessions := make(chan *Session, 1)
	result := &pumpResult{done: make(chan struct{})}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		session := NewSession(conn, clockwork.NewRealClock(), metrics.NewWebSocketMetrics(prometheus.NewRegistry()))
		sessions <- session

		err = session.ReadPump(func(data []byte) {
			result.mu.Lock()
			result.received = append(result.received, data)
			result.mu.Unlock()
		})
		result.mu.Lock()
		result.err = err
		result.mu.Unlock()
		close(result.done)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case s := <-sessions:
		return s, conn, result
	case <-time.After(2 * time.Second):
		t.Fatal("session not created")
		return nil, nil, nil
	}
}

func TestSession_SendDeliversTextFrame(t *testing.T) {
	session, conn, _ := testSession(t)

	require.NoError(t, session.Send([]byte(`{"content":"ping"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.TextMessage, msgType)
	assert.JSONEq(t, `{"content":"ping"}`, string(data))
}

func TestSession_ReadPumpForwardsFrames(t *testing.T) {
	_, conn, result := testSession(t)

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("hello")))

	assert.Eventually(t, func() bool { return len(result.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", string(result.messages()[0]))
}

func TestSession_CloseSendsCodeAndReason(t *testing.T) {
	session, conn, _ := testSession(t)

	session.Close(domain.CloseTryAgainLater, "shard space exhausted")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, domain.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, "shard space exhausted", closeErr.Text)

	select {
	case <-session.Closed():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	assert.ErrorIs(t, session.Send([]byte("late")), domain.ErrSessionClosed)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	session, _, _ := testSession(t)

	session.Close(domain.CloseNormal, "")
	session.Close(domain.CloseInternalError, "again")

	select {
	case <-session.Closed():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
}

func TestSession_PeerCloseEndsReadPump(t *testing.T) {
	session, conn, result := testSession(t)

	msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteMessage(ws.CloseMessage, msg))

	select {
	case <-result.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump did not return")
	}
	assert.NoError(t, result.err)

	select {
	case <-session.Closed():
	case <-time.After(time.Second):
		t.Fatal("session not closed after peer close")
	}
}

func TestSession_SendBackpressure(t *testing.T) {
	s := &Session{
		sendCh:  make(chan []byte, 1),
		doneCh:  make(chan struct{}),
		metrics: metrics.NewWebSocketMetrics(prometheus.NewRegistry()),
	}

	require.NoError(t, s.Send([]byte("first")))
	assert.ErrorIs(t, s.Send([]byte("second")), domain.ErrSessionBackpressure)
}

func TestIsUpgradeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.False(t, IsUpgradeRequest(r))

	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, IsUpgradeRequest(r))
}
