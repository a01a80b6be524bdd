// Package feed maintains one live exchange subscription: it connects with
// back-off, subscribes on every Open, and drives received frames through
// the classify → normalize → sink pipeline.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/classifier"
	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/internal/normalizer"
	"github.com/YaganovValera/tradestream/internal/transport"
	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var tracer = otel.Tracer("tradestream/feed")

var (
	// ErrRetriesExhausted is returned by Run when the reconnect policy gave up.
	ErrRetriesExhausted = errors.New("feed: reconnect retries exhausted")
	// ErrNotReady is reported by Ready while the feed is not streaming.
	ErrNotReady = errors.New("feed: not ready")
)

// TradeSink receives normalized trades.
type TradeSink interface {
	Push(streamKey string, ev model.TradeEvent)
}

// Config of one Connection.
type Config struct {
	Name     string
	Endpoint string

	// Reconnect drives both the initial connect and every reconnect.
	// MaxRetries == 0 retries forever.
	Reconnect backoff.Config

	// CloseTimeout bounds how long Close waits for Run to return.
	CloseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	c.Reconnect.Operation = "connect"
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("feed: name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("feed %s: endpoint is required", c.Name)
	}
	return nil
}

// StateObserver is notified on every state transition.
type StateObserver func(id string, from, to State)

// Connection is one feed. Run drives it; Close stops it from any goroutine.
type Connection struct {
	id  string
	cfg Config
	log *logger.Logger

	dialer     transport.Dialer
	subs       *SubscriptionManager
	classifier *classifier.Classifier
	normalizer *normalizer.Normalizer
	sink       TradeSink

	state         atomic.Int32
	lastFrame     atomic.Int64
	lastHeartbeat atomic.Int64
	observer      StateObserver

	mu       sync.Mutex
	cancel   context.CancelFunc
	current  transport.Conn
	closed   bool
	runDone  chan struct{}
	sessions atomic.Uint64
}

// New builds a Connection in state Disconnected.
func New(
	cfg Config,
	dialer transport.Dialer,
	subs *SubscriptionManager,
	cls *classifier.Classifier,
	norm *normalizer.Normalizer,
	sink TradeSink,
	log *logger.Logger,
) (*Connection, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Connection{
		id:         id,
		cfg:        cfg,
		log:        log.Named("feed").With(zap.String("feed", cfg.Name), zap.String("conn_id", id)),
		dialer:     dialer,
		subs:       subs,
		classifier: cls,
		normalizer: norm,
		sink:       sink,
	}, nil
}

func (c *Connection) ID() string   { return c.id }
func (c *Connection) Name() string { return c.cfg.Name }

func (c *Connection) State() State { return State(c.state.Load()) }

// OnStateChange installs the observer. Call before Run.
func (c *Connection) OnStateChange(fn StateObserver) { c.observer = fn }

// Sessions counts successful Open transitions.
func (c *Connection) Sessions() uint64 { return c.sessions.Load() }

func (c *Connection) setState(to State) {
	c.transition(State(c.state.Swap(int32(to))), to)
}

// beginClosing moves to Closing unless Run has already reached a terminal
// state on its own.
func (c *Connection) beginClosing() {
	for {
		from := State(c.state.Load())
		if from == StateClosing || from == StateClosed || from == StateFailed {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(StateClosing)) {
			c.transition(from, StateClosing)
			return
		}
	}
}

func (c *Connection) transition(from, to State) {
	if from == to {
		return
	}
	metrics.SetState(c.cfg.Name, int(to))
	c.log.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.observer != nil {
		c.observer(c.id, from, to)
	}
}

// Run connects and streams until Close, ctx cancellation, a fatal
// connect error, or exhausted retries. Close and cancellation end in
// StateClosed and a nil error; the other two end in StateFailed.
func (c *Connection) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return fmt.Errorf("feed %s: already running", c.cfg.Name)
	}
	if c.closed {
		c.mu.Unlock()
		c.setState(StateClosed)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if c.stopping(ctx) {
				c.setState(StateClosed)
				return nil
			}
			c.setState(StateFailed)
			if transport.IsFatal(err) {
				c.log.Error("connect failed permanently", zap.Error(err))
				return fmt.Errorf("feed %s: %w", c.cfg.Name, err)
			}
			c.log.Error("reconnect retries exhausted", zap.Error(err))
			return fmt.Errorf("feed %s: %w: %w", c.cfg.Name, ErrRetriesExhausted, err)
		}

		frames, err := c.serve(ctx, conn)
		if c.stopping(ctx) {
			c.setState(StateClosing)
			_ = conn.Close()
			c.setState(StateClosed)
			c.log.Info("connection closed")
			return nil
		}

		_ = conn.Close()
		c.setState(StateFailed)
		metrics.IncReconnect(c.cfg.Name)
		c.log.Warn("connection lost, reconnecting", zap.Uint64("frames", frames), zap.Error(err))

		// a session that never delivered a frame does not reset the
		// outage: wait one base interval before dialing again
		if frames == 0 && !c.pause(ctx, c.cfg.Reconnect.InitialInterval) {
			c.setState(StateClosed)
			return nil
		}
	}
}

func (c *Connection) stopping(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || ctx.Err() != nil
}

func (c *Connection) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) connect(ctx context.Context) (transport.Conn, error) {
	c.setState(StateConnecting)

	var conn transport.Conn
	err := backoff.Execute(ctx, c.cfg.Reconnect, c.log, func(ctx context.Context) error {
		cn, err := c.dialer.Open(ctx, c.cfg.Endpoint)
		if err != nil {
			metrics.IncConnect(c.cfg.Name, "error")
			if transport.IsFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.IncConnect(c.cfg.Name, "ok")
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	c.current = conn
	c.mu.Unlock()

	c.sessions.Add(1)
	c.setState(StateOpen)
	c.log.Info("connected", zap.String("endpoint", c.cfg.Endpoint))
	return conn, nil
}

// serve subscribes and consumes frames until the connection ends.
func (c *Connection) serve(ctx context.Context, conn transport.Conn) (uint64, error) {
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	sub, err := c.subs.Subscribe(ctx, conn)
	if err != nil {
		return 0, err
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go c.subs.Watch(watchCtx, sub)

	var frames uint64
	for {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case msg, ok := <-conn.Receive():
			if !ok {
				if err := conn.Err(); err != nil {
					return frames, err
				}
				return frames, transport.ErrClosed
			}
			frames++
			c.handle(msg, sub)
		}
	}
}

func (c *Connection) handle(msg model.RawMessage, sub *Subscription) {
	metrics.IncFrame(c.cfg.Name)
	c.lastFrame.Store(msg.ReceivedAt.UnixNano())

	ev := c.classifier.Classify(msg)
	switch ev.Kind {
	case model.KindTrade:
		for _, t := range c.normalizer.NormalizeAll(ev) {
			c.sink.Push(t.StreamKey(), t)
		}
	case model.KindHeartbeat:
		c.lastHeartbeat.Store(msg.ReceivedAt.UnixNano())
	case model.KindSubscriptionAck:
		sub.Ack()
	}
}

// Close stops Run and releases the current socket. It is idempotent and
// returns once Run has exited or CloseTimeout elapsed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn, done := c.cancel, c.current, c.runDone
	c.mu.Unlock()

	if done == nil {
		c.setState(StateClosed)
		return nil
	}
	if conn != nil {
		c.beginClosing()
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-time.After(c.cfg.CloseTimeout):
		return fmt.Errorf("feed %s: close timed out after %v", c.cfg.Name, c.cfg.CloseTimeout)
	}
}

// Health is a point-in-time view used by readiness checks.
type Health struct {
	Name          string    `json:"name"`
	ID            string    `json:"id"`
	State         string    `json:"state"`
	LastFrame     time.Time `json:"last_frame,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

func (c *Connection) Health() Health {
	h := Health{Name: c.cfg.Name, ID: c.id, State: c.State().String()}
	if v := c.lastFrame.Load(); v > 0 {
		h.LastFrame = time.Unix(0, v)
	}
	if v := c.lastHeartbeat.Load(); v > 0 {
		h.LastHeartbeat = time.Unix(0, v)
	}
	return h
}

// Ready returns nil while the connection is Open and has received a frame
// within staleAfter. staleAfter <= 0 only checks the state.
func (c *Connection) Ready(now time.Time, staleAfter time.Duration) error {
	if s := c.State(); s != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, c.cfg.Name, s)
	}
	if staleAfter <= 0 {
		return nil
	}
	last := c.lastFrame.Load()
	if last == 0 {
		return fmt.Errorf("%w: %s has not received any frame", ErrNotReady, c.cfg.Name)
	}
	if age := now.Sub(time.Unix(0, last)); age > staleAfter {
		return fmt.Errorf("%w: %s silent for %v", ErrNotReady, c.cfg.Name, age.Truncate(time.Millisecond))
	}
	return nil
}
