package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/YaganovValera/tradestream/internal/classifier"
	"github.com/YaganovValera/tradestream/internal/normalizer"
	"github.com/YaganovValera/tradestream/internal/transport"
	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var retryable = &transport.ConnectError{Endpoint: "fake", Err: errors.New("connection refused")}

func fastReconnect(maxRetries uint64) backoff.Config {
	return backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1,
		DisableJitter:   true,
		MaxRetries:      maxRetries,
	}
}

func newTestConnection(t *testing.T, d transport.Dialer, reconnect backoff.Config, sink TradeSink) *Connection {
	t.Helper()
	log := logger.NewNop()
	subs := NewSubscriptionManager("coinbase",
		SubscribeFormat{IDField: "id"},
		[]string{"BTC-USD"}, []string{"matches", "heartbeat"},
		time.Second, log)
	cls := classifier.New(classifier.Config{
		Feed: "coinbase",
		Kinds: map[string]model.Kind{
			"match":         model.KindTrade,
			"heartbeat":     model.KindHeartbeat,
			"subscriptions": model.KindSubscriptionAck,
			"error":         model.KindError,
		},
	}, log)
	norm := normalizer.New(normalizer.Config{Feed: "coinbase"}, log)
	if sink == nil {
		sink = &recordingSink{}
	}
	c, err := New(Config{Name: "coinbase", Endpoint: "wss://fake", Reconnect: reconnect, CloseTimeout: 2 * time.Second},
		d, subs, cls, norm, sink, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func runAsync(c *Connection) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	return errCh
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{Endpoint: "x"}, nil, nil, nil, nil, nil, logger.NewNop()); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := New(Config{Name: "x"}, nil, nil, nil, nil, nil, logger.NewNop()); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestRun_OpensOnceAfterFailures(t *testing.T) {
	d := newFakeDialer(retryable, retryable, retryable)
	c := newTestConnection(t, d, fastReconnect(0), nil)
	states := &stateLog{}
	c.OnStateChange(states.observe)

	errCh := runAsync(c)
	conn := <-d.conns

	if !waitFor(func() bool { return len(conn.sentFrames()) == 1 }, time.Second) {
		t.Fatal("subscribe was not sent")
	}
	if got := d.Attempts(); got != 4 {
		t.Errorf("dial attempts = %d; want 4", got)
	}
	if c.State() != StateOpen {
		t.Errorf("State = %v; want open", c.State())
	}
	if n := states.count(StateOpen); n != 1 {
		t.Errorf("Open transitions = %d; want 1", n)
	}

	var req map[string]any
	if err := json.Unmarshal(conn.sentFrames()[0], &req); err != nil {
		t.Fatalf("subscribe payload: %v", err)
	}
	if req["type"] != "subscribe" {
		t.Errorf("subscribe type = %v", req["type"])
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v; want nil", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v; want closed", c.State())
	}
}

func TestRun_ResubscribesAfterReconnect(t *testing.T) {
	d := newFakeDialer()
	c := newTestConnection(t, d, fastReconnect(0), nil)
	errCh := runAsync(c)

	first := <-d.conns
	first.push(`{"type":"heartbeat"}`)
	if !waitFor(func() bool { return !c.Health().LastHeartbeat.IsZero() }, time.Second) {
		t.Fatal("heartbeat not observed")
	}
	first.end(io.ErrUnexpectedEOF)

	var second *fakeConn
	select {
	case second = <-d.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	if !waitFor(func() bool { return len(second.sentFrames()) == 1 }, time.Second) {
		t.Fatal("no subscribe on the new connection")
	}
	if n := len(first.sentFrames()); n != 1 {
		t.Errorf("first connection subscribes = %d; want 1", n)
	}

	ids := make([]float64, 0, 2)
	for _, fc := range []*fakeConn{first, second} {
		var req map[string]any
		_ = json.Unmarshal(fc.sentFrames()[0], &req)
		id, _ := req["id"].(float64)
		ids = append(ids, id)
	}
	if ids[0] != 1 || ids[1] != 2 {
		t.Errorf("subscribe ids = %v; want [1 2]", ids)
	}
	if c.Sessions() != 2 {
		t.Errorf("Sessions = %d; want 2", c.Sessions())
	}

	_ = c.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	d := newFakeDialer()
	d.always = retryable
	c := newTestConnection(t, d, fastReconnect(2), nil)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run = %v; want ErrRetriesExhausted", err)
	}
	var ce *transport.ConnectError
	if !errors.As(err, &ce) {
		t.Errorf("expected the last ConnectError to be wrapped, got %v", err)
	}
	if got := d.Attempts(); got != 3 {
		t.Errorf("attempts = %d; want 3", got)
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v; want failed", c.State())
	}
}

func TestRun_FatalHandshakeNotRetried(t *testing.T) {
	d := newFakeDialer()
	d.always = &transport.ConnectError{Endpoint: "fake", StatusCode: 403, Fatal: true, Err: errors.New("bad handshake")}
	c := newTestConnection(t, d, fastReconnect(0), nil)

	err := c.Run(context.Background())
	if !transport.IsFatal(err) {
		t.Fatalf("Run = %v; want fatal ConnectError", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("fatal error must not be reported as exhausted retries")
	}
	if d.Attempts() != 1 {
		t.Errorf("attempts = %d; want 1", d.Attempts())
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v; want failed", c.State())
	}
}

func TestClose_DuringReceive(t *testing.T) {
	d := newFakeDialer()
	c := newTestConnection(t, d, fastReconnect(0), nil)
	errCh := runAsync(c)
	<-d.conns
	if !waitFor(func() bool { return c.State() == StateOpen }, time.Second) {
		t.Fatal("not open")
	}

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v", elapsed)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v; want closed", c.State())
	}
	// повторный Close ничего не делает
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_DuringBackoff(t *testing.T) {
	d := newFakeDialer()
	d.always = retryable
	c := newTestConnection(t, d, backoff.Config{InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)
	errCh := runAsync(c)

	if !waitFor(func() bool { return d.Attempts() >= 1 }, time.Second) {
		t.Fatal("no dial attempt")
	}
	start := time.Now()
	_ = c.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not cancelled")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Close took %v", time.Since(start))
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v; want closed", c.State())
	}
}

func TestRun_ContextCancel(t *testing.T) {
	d := newFakeDialer()
	c := newTestConnection(t, d, fastReconnect(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	<-d.conns
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v; want closed", c.State())
	}
}

func TestClose_BeforeRun(t *testing.T) {
	c := newTestConnection(t, newFakeDialer(), fastReconnect(0), nil)
	_ = c.Close()
	if err := c.Run(context.Background()); err != nil {
		t.Errorf("Run after Close = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v", c.State())
	}
}

func TestClose_KeepsTerminalState(t *testing.T) {
	for _, terminal := range []State{StateClosed, StateFailed} {
		c := newTestConnection(t, newFakeDialer(), fastReconnect(0), nil)
		// Run уже вышел сам, но ещё не снял ссылку на сокет
		done := make(chan struct{})
		close(done)
		c.runDone = done
		c.current = newFakeConn()
		c.state.Store(int32(terminal))

		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if c.State() != terminal {
			t.Errorf("State = %v; want %v", c.State(), terminal)
		}
	}
}

func TestRun_SubscribeSendErrorReconnects(t *testing.T) {
	d := newFakeDialer()
	d.sendErrs = []error{errors.New("broken pipe")}
	c := newTestConnection(t, d, fastReconnect(0), nil)
	errCh := runAsync(c)

	first := <-d.conns
	var second *fakeConn
	select {
	case second = <-d.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("send failure did not trigger a reconnect")
	}
	if len(first.sentFrames()) != 0 {
		t.Errorf("failed send should not be recorded")
	}
	if !waitFor(func() bool { return len(second.sentFrames()) == 1 }, time.Second) {
		t.Error("no subscribe on reconnect")
	}
	_ = c.Close()
	<-errCh
}

func TestPipeline_FramesToSink(t *testing.T) {
	d := newFakeDialer()
	sink := &recordingSink{}
	c := newTestConnection(t, d, fastReconnect(0), sink)
	errCh := runAsync(c)
	conn := <-d.conns

	conn.push(`{"type":"subscriptions","channels":[{"name":"matches","product_ids":["BTC-USD"]}]}`)
	conn.push(`{"type":"heartbeat","sequence":1}`)
	conn.push(`{"type":"match","side":"sell","price":"6500.00","size":"0.5","product_id":"BTC-USD","time":"2024-01-01T00:00:00Z"}`)
	conn.push(`{"type":"match","side":"sideways","price":"1","size":"1","product_id":"BTC-USD"}`)
	conn.push(`garbage`)
	conn.push(`{"type":"match","side":"buy","price":"6501","size":"0.1","product_id":"BTC-USD"}`)

	if !waitFor(func() bool { _, tr := sink.snapshot(); return len(tr) == 2 }, time.Second) {
		_, tr := sink.snapshot()
		t.Fatalf("trades = %d; want 2", len(tr))
	}
	keys, trades := sink.snapshot()
	if keys[0] != "coinbase:BTC-USD" {
		t.Errorf("stream key = %q", keys[0])
	}
	if trades[0].Side != model.SideSell || trades[1].Side != model.SideBuy {
		t.Errorf("sides = %v %v", trades[0].Side, trades[1].Side)
	}
	h := c.Health()
	if h.LastHeartbeat.IsZero() || h.LastFrame.IsZero() {
		t.Errorf("health not updated: %+v", h)
	}
	if err := c.Ready(time.Now(), time.Minute); err != nil {
		t.Errorf("Ready = %v", err)
	}
	if stats := c.classifier.Stats(); stats.Unknown != 1 || stats.SubscriptionAck != 1 || stats.Heartbeat != 1 || stats.Trade != 3 {
		t.Errorf("classifier stats = %+v", stats)
	}

	_ = c.Close()
	<-errCh
	if err := c.Ready(time.Now(), time.Minute); !errors.Is(err, ErrNotReady) {
		t.Errorf("Ready after close = %v", err)
	}
}

func TestReady_Stale(t *testing.T) {
	d := newFakeDialer()
	c := newTestConnection(t, d, fastReconnect(0), nil)
	errCh := runAsync(c)
	conn := <-d.conns
	if !waitFor(func() bool { return c.State() == StateOpen }, time.Second) {
		t.Fatal("not open")
	}
	if err := c.Ready(time.Now(), time.Minute); !errors.Is(err, ErrNotReady) {
		t.Errorf("Ready before any frame = %v", err)
	}
	conn.push(`{"type":"heartbeat"}`)
	waitFor(func() bool { return !c.Health().LastFrame.IsZero() }, time.Second)
	if err := c.Ready(time.Now().Add(2*time.Minute), time.Minute); !errors.Is(err, ErrNotReady) {
		t.Errorf("Ready with stale frame = %v", err)
	}
	if err := c.Ready(time.Now(), 0); err != nil {
		t.Errorf("Ready without staleness check = %v", err)
	}
	_ = c.Close()
	<-errCh
}

// Сквозной тест: настоящий transport против фейковой биржи.
func TestEndToEnd_FakeExchange(t *testing.T) {
	upg := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil || !strings.Contains(string(msg), `"product_ids":["BTC-USD"]`) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions","channels":[]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"match","side":"buy","price":"42000.10","size":"0.01","product_id":"BTC-USD"}`))
		// держим соединение, пока клиент не закроет
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &recordingSink{}
	log := logger.NewNop()
	dialer := transport.NewDialer(transport.Config{}, log)
	c := newTestConnection(t, dialer, fastReconnect(3), sink)
	c.cfg.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")

	errCh := runAsync(c)
	if !waitFor(func() bool { _, tr := sink.snapshot(); return len(tr) == 1 }, 2*time.Second) {
		t.Fatal("no trade delivered end to end")
	}
	_, trades := sink.snapshot()
	if trades[0].Price.String() != "42000.1" {
		t.Errorf("Price = %s", trades[0].Price)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v", c.State())
	}
}
