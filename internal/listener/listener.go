package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
)

const (
	storeTimeout  = 5 * time.Second
	callTimeout   = 5 * time.Second
	stopTimeout   = 10 * time.Second
	cmdBufferSize = 64
)

// Config controls how a listener probes for a shard.
type Config struct {
	MaxShards   int
	ShardPrefix string
}

// State is a point-in-time view of a listener.
type State struct {
	ShardKey string
	Bound    bool
	Sessions int
}

type listenerCmd interface{ isListenerCmd() }

type baseListenerCmd struct{}

func (baseListenerCmd) isListenerCmd() {}

type acceptCmd struct {
	baseListenerCmd
	ctx     context.Context
	session domain.Session
	reply   chan error
}

type sessionMessageCmd struct {
	baseListenerCmd
	ctx       context.Context
	sessionID string
	data      []byte
	reply     chan error
}

type sessionClosedCmd struct {
	baseListenerCmd
	ctx       context.Context
	sessionID string
	reply     chan error
}

type messageCmd[T any] struct {
	baseListenerCmd
	ctx   context.Context
	msg   domain.Message[T]
	reply chan error
}

type unsubscribedCmd struct {
	baseListenerCmd
	ctx      context.Context
	shardKey string
	reply    chan error
}

type stateCmd struct {
	baseListenerCmd
	reply chan stateResult
}

type stateResult struct {
	state State
	err   error
}

// Listener is one listener actor.
type Listener[T any] struct {
	key        string
	cfg        Config
	store      domain.SubscriptionStore
	shards     domain.ShardClient
	clock      clockwork.Clock
	metrics    *metrics.ListenerMetrics
	onTeardown func(key string)
	logger     *slog.Logger

	cmdCh    chan listenerCmd
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	sessions map[string]domain.Session
	// confirmed is the shard this instance subscribed to or re-confirmed. A recorded
	// subscription left by an earlier instance is not trusted until it matches.
	confirmed string
}

// New creates a listener. onTeardown is invoked from the listener goroutine once its last
// session closed and its durable record was cleared.
func New[T any](key string, cfg Config, store domain.SubscriptionStore, shards domain.ShardClient, clock clockwork.Clock, m *metrics.ListenerMetrics, onTeardown func(key string)) *Listener[T] {
	return &Listener[T]{
		key:        key,
		cfg:        cfg,
		store:      store,
		shards:     shards,
		clock:      clock,
		metrics:    m,
		onTeardown: onTeardown,
		logger:     slog.Default().With("listener_key", key),
		cmdCh:      make(chan listenerCmd, cmdBufferSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		sessions:   make(map[string]domain.Session),
	}
}

// Key returns the listener's key.
func (l *Listener[T]) Key() string { return l.key }

// Start applies the schema upgrade and starts the command loop.
func (l *Listener[T]) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: listener %s: %w", domain.ErrInitialization, l.key, err)
	}

	l.metrics.ActiveListeners.Inc()
	go l.run()
	return nil
}

// AcceptSession registers a freshly opened session and makes sure the listener is subscribed.
// ErrShardSpaceExhausted means the session could not be served; it has been closed already.
func (l *Listener[T]) AcceptSession(ctx context.Context, session domain.Session) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, acceptCmd{ctx: ctx, session: session, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// OnSessionMessage handles an inbound client frame. An unbound listener uses it as a cue to
// subscribe again.
func (l *Listener[T]) OnSessionMessage(ctx context.Context, sessionID string, data []byte) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, sessionMessageCmd{ctx: ctx, sessionID: sessionID, data: data, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// OnSessionClosed removes a session. Closing the last one tears the listener down.
func (l *Listener[T]) OnSessionClosed(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, sessionClosedCmd{ctx: ctx, sessionID: sessionID, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// OnSessionError is treated exactly like a close.
func (l *Listener[T]) OnSessionError(ctx context.Context, sessionID string, cause error) error {
	l.logger.DebugContext(ctx, "Session error", "session_id", sessionID, "error", cause)
	return l.OnSessionClosed(ctx, sessionID)
}

// OnMessage receives a message fanned out by a shard.
func (l *Listener[T]) OnMessage(ctx context.Context, msg domain.Message[T]) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, messageCmd[T]{ctx: ctx, msg: msg, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// OnUnsubscribed is called by a shard after it removed this listener.
func (l *Listener[T]) OnUnsubscribed(ctx context.Context, shardKey string) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, unsubscribedCmd{ctx: ctx, shardKey: shardKey, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// State returns the current subscription and session count.
func (l *Listener[T]) State(ctx context.Context) (State, error) {
	reply := make(chan stateResult, 1)
	if err := l.send(ctx, stateCmd{reply: reply}); err != nil {
		return State{}, err
	}

	select {
	case res := <-reply:
		return res.state, res.err
	case <-l.done:
		return State{}, domain.ErrActorStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Stop closes every session with a going-away frame and terminates the loop.
// Durable state is left untouched.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	timeout := l.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-l.done:
	case <-timeout.Chan():
		l.logger.Warn("Listener stop timeout exceeded", "timeout", stopTimeout)
	}
}

// Done is closed once the listener goroutine has exited.
func (l *Listener[T]) Done() <-chan struct{} { return l.done }

func (l *Listener[T]) send(ctx context.Context, cmd listenerCmd) error {
	select {
	case l.cmdCh <- cmd:
		return nil
	case <-l.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener[T]) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener[T]) run() {
	defer close(l.done)
	defer l.metrics.ActiveListeners.Dec()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Listener panic recovered", "panic", r)
			l.closeAllSessions(domain.CloseInternalError, "listener failure")
		}
	}()

	for {
		select {
		case cmd := <-l.cmdCh:
			if stop := l.handle(cmd); stop {
				return
			}
		case <-l.stopCh:
			l.closeAllSessions(domain.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// handle dispatches one command and reports whether the listener tore itself down.
func (l *Listener[T]) handle(cmd listenerCmd) bool {
	switch c := cmd.(type) {
	case acceptCmd:
		stop, err := l.handleAccept(c.ctx, c.session)
		c.reply <- err
		return stop
	case sessionMessageCmd:
		stop, err := l.handleSessionMessage(c.ctx, c.sessionID, c.data)
		c.reply <- err
		return stop
	case sessionClosedCmd:
		stop, err := l.handleSessionClosed(c.ctx, c.sessionID)
		c.reply <- err
		return stop
	case messageCmd[T]:
		stop, err := l.handleMessage(c.ctx, c.msg)
		c.reply <- err
		return stop
	case unsubscribedCmd:
		c.reply <- l.handleUnsubscribed(c.ctx, c.shardKey)
	case stateCmd:
		state, err := l.handleState()
		c.reply <- stateResult{state: state, err: err}
	default:
		l.logger.Warn("Listener received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (l *Listener[T]) handleAccept(parent context.Context, session domain.Session) (bool, error) {
	ctx, cancel := storeContext(parent)
	defer cancel()

	l.sessions[session.ID()] = session
	l.metrics.ActiveSessions.Inc()
	l.logger.DebugContext(ctx, "Session accepted", "session_id", session.ID(), "sessions", len(l.sessions))

	err := l.ensureSubscribed(ctx)
	if err == nil {
		return false, nil
	}

	code, reason := closeFor(err)
	return l.dropSession(ctx, session.ID(), code, reason), err
}

func (l *Listener[T]) handleSessionMessage(parent context.Context, sessionID string, data []byte) (bool, error) {
	if _, ok := l.sessions[sessionID]; !ok {
		return false, nil
	}

	ctx, cancel := storeContext(parent)
	defer cancel()

	l.logger.DebugContext(ctx, "Received session message", "session_id", sessionID, "bytes", len(data))

	err := l.ensureSubscribed(ctx)
	if err == nil {
		return false, nil
	}

	code, reason := closeFor(err)
	return l.dropSession(ctx, sessionID, code, reason), err
}

func (l *Listener[T]) handleSessionClosed(parent context.Context, sessionID string) (bool, error) {
	if _, ok := l.sessions[sessionID]; !ok {
		return false, nil
	}

	ctx, cancel := storeContext(parent)
	defer cancel()

	delete(l.sessions, sessionID)
	l.metrics.ActiveSessions.Dec()
	l.logger.DebugContext(ctx, "Session closed", "session_id", sessionID, "sessions", len(l.sessions))

	if len(l.sessions) > 0 {
		return false, nil
	}
	return l.unsubscribeAndTeardown(ctx, ""), nil
}

func (l *Listener[T]) handleMessage(parent context.Context, msg domain.Message[T]) (bool, error) {
	ctx, cancel := storeContext(parent)
	defer cancel()

	if len(l.sessions) == 0 {
		l.logger.InfoContext(ctx, "Message received without sessions, unsubscribing", "source_id", msg.SourceID)
		return l.unsubscribeAndTeardown(ctx, msg.SourceID), nil
	}

	recorded, bound, err := l.store.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("read subscription: %w", err)
	}

	if !bound || recorded != msg.SourceID {
		l.metrics.StaleMessages.Inc()
		l.logger.WarnContext(ctx, "Received message from invalid source", "source_id", msg.SourceID, "shard_key", recorded)
		l.unsubscribe(ctx, msg.SourceID)
		if bound {
			l.unsubscribe(ctx, recorded)
			if err := l.store.Delete(ctx, recorded); err != nil {
				l.logger.ErrorContext(ctx, "Failed to clear stale subscription", "shard_key", recorded, "error", err)
			}
		}
		return false, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to marshal message", "message_id", msg.ID, "error", err)
		return false, nil
	}

	var failed []string
	for id, session := range l.sessions {
		if err := session.Send(data); err != nil {
			l.logger.WarnContext(ctx, "Error sending message to session", "session_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		l.metrics.MessagesRelayed.Inc()
	}

	for _, id := range failed {
		if stop := l.dropSession(ctx, id, domain.CloseInternalError, "send failed"); stop {
			return true, nil
		}
	}
	return false, nil
}

func (l *Listener[T]) handleUnsubscribed(parent context.Context, shardKey string) error {
	ctx, cancel := storeContext(parent)
	defer cancel()

	if err := l.store.Delete(ctx, shardKey); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	l.logger.DebugContext(ctx, "Unsubscribed from shard", "shard_key", shardKey)
	return nil
}

func (l *Listener[T]) handleState() (State, error) {
	ctx, cancel := storeContext(context.Background())
	defer cancel()

	shardKey, bound, err := l.store.Get(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read subscription: %w", err)
	}
	return State{ShardKey: shardKey, Bound: bound, Sessions: len(l.sessions)}, nil
}

// ensureSubscribed probes shard indices in ascending order until one accepts.
// A shard that errors is treated like a full one.
func (l *Listener[T]) ensureSubscribed(ctx context.Context) error {
	recorded, bound, err := l.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read subscription: %w", err)
	}
	if bound {
		if recorded == l.confirmed || l.reconfirm(ctx, recorded) {
			return nil
		}
	}

	for i := range l.cfg.MaxShards {
		shardKey := domain.ShardKey(l.cfg.ShardPrefix, i)
		l.metrics.ShardProbes.Inc()

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		accepted, err := l.shards.Subscribe(callCtx, shardKey, l.key)
		cancel()

		if err != nil {
			l.logger.WarnContext(ctx, "Shard unreachable while probing", "shard_index", i, "shard_key", shardKey, "error", err)
			continue
		}
		if !accepted {
			continue
		}

		if err := l.store.Set(ctx, shardKey); err != nil {
			l.unsubscribe(ctx, shardKey)
			return fmt.Errorf("record subscription: %w", err)
		}

		l.confirmed = shardKey
		l.logger.InfoContext(ctx, "Subscribed to shard", "shard_index", i, "shard_key", shardKey)
		return nil
	}

	l.metrics.ShardSpaceExhausted.Inc()
	l.logger.ErrorContext(ctx, "No shard accepted subscription", "max_shards", l.cfg.MaxShards)
	return fmt.Errorf("%w: probed %d shards", domain.ErrShardSpaceExhausted, l.cfg.MaxShards)
}

// reconfirm re-subscribes to a shard recorded by an earlier instance of this listener. The shard
// may have pruned the listener while it was not running; in that case the record is cleared so
// that the caller probes afresh.
func (l *Listener[T]) reconfirm(ctx context.Context, recorded string) bool {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	accepted, err := l.shards.Subscribe(callCtx, recorded, l.key)
	cancel()

	if err == nil && accepted {
		l.confirmed = recorded
		l.logger.InfoContext(ctx, "Recorded subscription confirmed", "shard_key", recorded)
		return true
	}

	l.logger.WarnContext(ctx, "Recorded subscription no longer held, probing again", "shard_key", recorded, "accepted", accepted, "error", err)
	if err := l.store.Delete(ctx, recorded); err != nil {
		l.logger.ErrorContext(ctx, "Failed to clear recorded subscription", "shard_key", recorded, "error", err)
	}
	return false
}

// dropSession closes and forgets one session; losing the last one tears the listener down.
func (l *Listener[T]) dropSession(ctx context.Context, sessionID string, code int, reason string) bool {
	session, ok := l.sessions[sessionID]
	if !ok {
		return false
	}

	session.Close(code, reason)
	delete(l.sessions, sessionID)
	l.metrics.ActiveSessions.Dec()

	if len(l.sessions) > 0 {
		return false
	}
	return l.unsubscribeAndTeardown(ctx, "")
}

// unsubscribeAndTeardown leaves the recorded shard (and source, if given and different),
// then clears all durable state. Always returns true.
func (l *Listener[T]) unsubscribeAndTeardown(ctx context.Context, source string) bool {
	recorded, bound, err := l.store.Get(ctx)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to read subscription during teardown", "error", err)
	}

	if bound {
		l.logger.InfoContext(ctx, "Unsubscribing from shard", "shard_key", recorded)
		l.unsubscribe(ctx, recorded)
	}
	if source != "" && source != recorded {
		l.unsubscribe(ctx, source)
	}

	if err := l.store.DeleteAll(ctx); err != nil {
		l.logger.ErrorContext(ctx, "Failed to clear listener storage", "error", err)
	}

	l.metrics.Teardowns.Inc()
	l.logger.InfoContext(ctx, "Listener torn down")

	if l.onTeardown != nil {
		l.onTeardown(l.key)
	}
	return true
}

// unsubscribe is best effort: the shard may already be gone.
func (l *Listener[T]) unsubscribe(ctx context.Context, shardKey string) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if err := l.shards.Unsubscribe(callCtx, shardKey, l.key); err != nil {
		l.logger.WarnContext(ctx, "Failed to unsubscribe from shard", "shard_key", shardKey, "error", err)
	}
}

func (l *Listener[T]) closeAllSessions(code int, reason string) {
	for id, session := range l.sessions {
		session.Close(code, reason)
		delete(l.sessions, id)
		l.metrics.ActiveSessions.Dec()
	}
}

// closeFor maps a subscription failure to the close frame sent to the session.
func closeFor(err error) (int, string) {
	if errors.Is(err, domain.ErrShardSpaceExhausted) {
		return domain.CloseTryAgainLater, "shard space exhausted"
	}
	return domain.CloseInternalError, "subscription failed"
}

func storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), storeTimeout)
}
