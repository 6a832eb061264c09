package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/platform/correlation"
)

const (
	storeTimeout  = 5 * time.Second
	notifyTimeout = 2 * time.Second
	stopTimeout   = 10 * time.Second
	cmdBufferSize = 64
)

// Unsubscribe reasons. Only removals the shard decides on its own are reported back to the
// listener; a listener that asked to leave already knows.
const (
	reasonRequested      = "requested"
	reasonDeliveryFailed = "delivery failed"
)

// Config holds the tunables shared by every shard of one topic.
type Config[T any] struct {
	MaxConnections    int
	KeepaliveInterval time.Duration
	KeepalivePayload  T
	DeliveryTimeout   time.Duration
}

// State is a point-in-time view of a shard, used for introspection and tests.
type State struct {
	Members        []string
	KeepaliveArmed bool
}

type shardCmd interface{ isShardCmd() }

type baseShardCmd struct{}

func (baseShardCmd) isShardCmd() {}

type subscribeCmd struct {
	baseShardCmd
	ctx         context.Context
	listenerKey string
	reply       chan subscribeResult
}

type subscribeResult struct {
	accepted bool
	err      error
}

type unsubscribeCmd struct {
	baseShardCmd
	ctx         context.Context
	listenerKey string
	reason      string
	reply       chan error
}

type publishCmd[T any] struct {
	baseShardCmd
	ctx     context.Context
	content T
	reply   chan error
}

type stateCmd struct {
	baseShardCmd
	reply chan stateResult
}

type stateResult struct {
	state State
	err   error
}

// Shard is one capacity-bounded topic shard.
type Shard[T any] struct {
	key        string
	cfg        Config[T]
	store      domain.MembershipStore
	listeners  domain.ListenerClient[T]
	clock      clockwork.Clock
	metrics    *metrics.ShardMetrics
	onTeardown func(key string)
	logger     *slog.Logger

	cmdCh    chan shardCmd
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	keepalive   clockwork.Timer
	memberCount int
}

// New creates a shard. onTeardown is invoked from the shard goroutine after the last member left
// and the durable records were cleared; the shard accepts no further commands afterwards.
func New[T any](key string, cfg Config[T], store domain.MembershipStore, listeners domain.ListenerClient[T], clock clockwork.Clock, m *metrics.ShardMetrics, onTeardown func(key string)) *Shard[T] {
	return &Shard[T]{
		key:        key,
		cfg:        cfg,
		store:      store,
		listeners:  listeners,
		clock:      clock,
		metrics:    m,
		onTeardown: onTeardown,
		logger:     slog.Default().With("shard_key", key),
		cmdCh:      make(chan shardCmd, cmdBufferSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Key returns the shard's stable key.
func (s *Shard[T]) Key() string { return s.key }

// Start applies the schema upgrade and starts the command loop. No command is served before
// Start returns. A shard that finds durable members (e.g. after a restart) re-arms its keepalive.
func (s *Shard[T]) Start(ctx context.Context) error {
	if err := s.store.Migrate(ctx); err != nil {
		s.metrics.InitFailures.Inc()
		return fmt.Errorf("%w: shard %s: %w", domain.ErrInitialization, s.key, err)
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		s.metrics.InitFailures.Inc()
		return fmt.Errorf("%w: shard %s: count members: %w", domain.ErrInitialization, s.key, err)
	}

	s.metrics.ActiveShards.Inc()
	s.setMemberCount(count)
	if count > 0 {
		s.logger.InfoContext(ctx, "Shard resumed with durable members", "members", count)
	}

	go s.run(count > 0)
	return nil
}

// Subscribe asks the shard to accept listenerKey. It returns false when the shard is full.
func (s *Shard[T]) Subscribe(ctx context.Context, listenerKey string) (bool, error) {
	reply := make(chan subscribeResult, 1)
	if err := s.send(ctx, subscribeCmd{ctx: ctx, listenerKey: listenerKey, reply: reply}); err != nil {
		return false, err
	}

	select {
	case res := <-reply:
		return res.accepted, res.err
	case <-s.done:
		return false, domain.ErrActorStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Unsubscribe removes listenerKey. Removing an absent key is a no-op.
func (s *Shard[T]) Unsubscribe(ctx context.Context, listenerKey string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, unsubscribeCmd{ctx: ctx, listenerKey: listenerKey, reason: reasonRequested, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Publish fans content out to every current member, stamped with this shard as source.
// It returns once the fan-out has been started; delivery failures are handled by the shard.
func (s *Shard[T]) Publish(ctx context.Context, content T) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, publishCmd[T]{ctx: ctx, content: content, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// State returns the current membership and keepalive state.
func (s *Shard[T]) State(ctx context.Context) (State, error) {
	reply := make(chan stateResult, 1)
	if err := s.send(ctx, stateCmd{reply: reply}); err != nil {
		return State{}, err
	}

	select {
	case res := <-reply:
		return res.state, res.err
	case <-s.done:
		return State{}, domain.ErrActorStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Stop terminates the command loop without touching durable state.
// Blocks until the goroutine exited or the stop timeout elapsed.
func (s *Shard[T]) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	timeout := s.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-s.done:
	case <-timeout.Chan():
		s.logger.Warn("Shard stop timeout exceeded", "timeout", stopTimeout)
	}
}

// Done is closed once the shard goroutine has exited.
func (s *Shard[T]) Done() <-chan struct{} { return s.done }

func (s *Shard[T]) send(ctx context.Context, cmd shardCmd) error {
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard[T]) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard[T]) run(armed bool) {
	defer close(s.done)
	defer func() {
		s.disarm()
		s.metrics.ActiveShards.Dec()
		s.setMemberCount(0)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Shard panic recovered", "panic", r)
		}
	}()

	if armed {
		s.arm()
	}

	for {
		select {
		case cmd := <-s.cmdCh:
			if stop := s.handle(cmd); stop {
				return
			}
		case <-s.alarm():
			if stop := s.handleAlarm(); stop {
				return
			}
		case <-s.stopCh:
			s.logger.Debug("Shard stopped", "members", s.memberCount)
			return
		}
	}
}

// handle dispatches one command and reports whether the shard tore itself down.
func (s *Shard[T]) handle(cmd shardCmd) bool {
	switch c := cmd.(type) {
	case subscribeCmd:
		accepted, err := s.handleSubscribe(c.ctx, c.listenerKey)
		stop := err != nil && s.releaseIfEmpty(c.ctx)
		c.reply <- subscribeResult{accepted: accepted, err: err}
		return stop
	case unsubscribeCmd:
		stop, err := s.handleUnsubscribe(c.ctx, c.listenerKey, c.reason)
		if c.reply != nil {
			c.reply <- err
		}
		return stop
	case publishCmd[T]:
		c.reply <- s.handlePublish(c.ctx, c.content)
	case stateCmd:
		state, err := s.handleState()
		c.reply <- stateResult{state: state, err: err}
	default:
		s.logger.Warn("Shard received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (s *Shard[T]) handleSubscribe(parent context.Context, listenerKey string) (bool, error) {
	ctx, cancel := storeContext(parent)
	defer cancel()

	member, err := s.store.Contains(ctx, listenerKey)
	if err != nil {
		s.metrics.Subscriptions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("check membership: %w", err)
	}
	if member {
		s.ensureArmed()
		s.metrics.Subscriptions.WithLabelValues("accepted").Inc()
		return true, nil
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		s.metrics.Subscriptions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("count members: %w", err)
	}
	if count >= s.cfg.MaxConnections {
		s.logger.InfoContext(ctx, "Max connections reached", "max_connections", s.cfg.MaxConnections, "listener_key", listenerKey)
		s.metrics.Subscriptions.WithLabelValues("rejected").Inc()
		return false, nil
	}

	if err := s.store.Add(ctx, listenerKey); err != nil {
		s.metrics.Subscriptions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("add member: %w", err)
	}

	s.setMemberCount(count + 1)
	s.ensureArmed()
	s.metrics.Subscriptions.WithLabelValues("accepted").Inc()
	s.logger.InfoContext(ctx, "New subscriber", "listener_key", listenerKey, "members", count+1)
	return true, nil
}

// releaseIfEmpty tears down a shard left without members by a failed command. Without members
// there is no keepalive, so nothing else would ever evict it.
func (s *Shard[T]) releaseIfEmpty(parent context.Context) bool {
	if s.memberCount > 0 {
		return false
	}

	ctx, cancel := storeContext(parent)
	defer cancel()

	s.teardown(ctx)
	return true
}

func (s *Shard[T]) handleUnsubscribe(parent context.Context, listenerKey, reason string) (bool, error) {
	ctx, cancel := storeContext(parent)
	defer cancel()

	removed, err := s.store.Remove(ctx, listenerKey)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count members: %w", err)
	}
	s.setMemberCount(count)

	if removed {
		s.logger.InfoContext(ctx, "Removed subscriber", "listener_key", listenerKey, "reason", reason, "members", count)
		if reason != reasonRequested {
			go s.notifyUnsubscribed(context.WithoutCancel(parent), listenerKey)
		}
	}

	if count > 0 {
		return false, nil
	}

	s.teardown(ctx)
	return true, nil
}

func (s *Shard[T]) handlePublish(parent context.Context, content T) error {
	ctx, cancel := storeContext(parent)
	defer cancel()

	members, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	go s.deliver(context.WithoutCancel(parent), members, domain.NewMessage(s.key, content))
	return nil
}

func (s *Shard[T]) handleState() (State, error) {
	ctx, cancel := storeContext(context.Background())
	defer cancel()

	members, err := s.store.List(ctx)
	if err != nil {
		return State{}, fmt.Errorf("list members: %w", err)
	}
	return State{Members: members, KeepaliveArmed: s.keepalive != nil}, nil
}

// handleAlarm reacts to a keepalive firing. The next firing is scheduled from now,
// not from the completion of this fan-out.
func (s *Shard[T]) handleAlarm() bool {
	s.keepalive = nil
	s.metrics.KeepalivesFired.Inc()

	ctx, cancel := storeContext(context.Background())
	defer cancel()

	members, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("Keepalive failed to list members", "error", err)
		s.arm()
		return false
	}
	if len(members) == 0 {
		s.logger.Debug("Keepalive fired with no members")
		return false
	}

	s.arm()

	tickCtx := correlation.WithID(context.Background(), correlation.NewID())
	s.logger.DebugContext(tickCtx, "Keepalive fired", "members", len(members))
	go s.deliver(tickCtx, members, domain.NewMessage(s.key, s.cfg.KeepalivePayload))
	return false
}

// deliver sends msg to every member concurrently. A failed delivery means the member is gone:
// it is unsubscribed via the command loop while the remaining deliveries continue.
func (s *Shard[T]) deliver(ctx context.Context, members []string, msg domain.Message[T]) {
	var wg sync.WaitGroup
	for _, listenerKey := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()

			deliveryCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
			err := s.listeners.OnMessage(deliveryCtx, listenerKey, msg)
			cancel()

			if err == nil {
				s.metrics.Deliveries.WithLabelValues("ok").Inc()
				return
			}

			s.metrics.Deliveries.WithLabelValues("failed").Inc()
			s.logger.WarnContext(ctx, "Error sending message to listener", "listener_key", listenerKey, "message_id", msg.ID, "error", err)

			cmd := unsubscribeCmd{ctx: ctx, listenerKey: listenerKey, reason: reasonDeliveryFailed}
			if err := s.send(ctx, cmd); err != nil && !errors.Is(err, domain.ErrActorStopped) {
				s.logger.WarnContext(ctx, "Failed to enqueue unsubscribe after delivery failure", "listener_key", listenerKey, "error", err)
			}
		}()
	}
	wg.Wait()
}

func (s *Shard[T]) notifyUnsubscribed(ctx context.Context, listenerKey string) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := s.listeners.OnUnsubscribed(ctx, listenerKey, s.key); err != nil {
		s.logger.DebugContext(ctx, "Listener not notified of unsubscribe", "listener_key", listenerKey, "error", err)
	}
}

// teardown disarms the keepalive and drops every durable record. It is safe to run on an
// already-empty store.
func (s *Shard[T]) teardown(ctx context.Context) {
	s.disarm()

	if err := s.store.DeleteAll(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear shard storage", "error", err)
	}

	s.metrics.Teardowns.Inc()
	s.logger.InfoContext(ctx, "Shard torn down")

	if s.onTeardown != nil {
		s.onTeardown(s.key)
	}
}

func (s *Shard[T]) alarm() <-chan time.Time {
	if s.keepalive == nil {
		return nil
	}
	return s.keepalive.Chan()
}

func (s *Shard[T]) arm() {
	s.disarm()
	s.keepalive = s.clock.NewTimer(s.cfg.KeepaliveInterval)
}

func (s *Shard[T]) ensureArmed() {
	if s.keepalive == nil {
		s.arm()
	}
}

func (s *Shard[T]) disarm() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
}

func (s *Shard[T]) setMemberCount(count int) {
	s.metrics.Members.Add(float64(count - s.memberCount))
	s.memberCount = count
}

func storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), storeTimeout)
}
