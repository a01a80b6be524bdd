package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

var tracer = otel.Tracer("tradestream/transport")

// Config задаёт параметры WebSocket-соединения.
type Config struct {
	HandshakeTimeout time.Duration // таймаут upgrade-рукопожатия
	ReadTimeout      time.Duration // ReadDeadline; продлевается каждым фреймом и pong
	WriteTimeout     time.Duration // WriteDeadline для Send
	CloseTimeout     time.Duration // сколько Close ждёт завершения чтения
	ReadLimit        int64         // максимальный размер входящего фрейма
	BufferSize       int           // ёмкость канала Receive
	Header           http.Header   // дополнительные заголовки рукопожатия
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 2 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
}

// Conn is one open duplex connection.
type Conn interface {
	// Send writes one text frame.
	Send(ctx context.Context, payload []byte) error
	// Receive yields inbound frames in arrival order. The channel is
	// closed when the connection closes or fails; see Err.
	Receive() <-chan model.RawMessage
	// Err returns the terminal read error, or nil if the caller closed.
	Err() error
	// Done is closed once the connection has stopped reading.
	Done() <-chan struct{}
	// Close is idempotent and safe to call concurrently with Receive.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Open(ctx context.Context, endpoint string) (Conn, error)
}

// WSDialer opens WebSocket connections with gorilla/websocket.
type WSDialer struct {
	cfg Config
	log *logger.Logger
}

func NewDialer(cfg Config, log *logger.Logger) *WSDialer {
	cfg.applyDefaults()
	return &WSDialer{cfg: cfg, log: log.Named("ws")}
}

// Open performs the WebSocket handshake. A handshake answered with a
// non-101 HTTP response, or an endpoint that is not ws/wss, yields a
// fatal ConnectError.
func (d *WSDialer) Open(ctx context.Context, endpoint string) (Conn, error) {
	ctx, span := tracer.Start(ctx, "ws.open")
	defer span.End()
	span.SetAttributes(attribute.String("ws.endpoint", endpoint))

	conn, err := d.dial(ctx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, err
	}
	return conn, nil
}

func (d *WSDialer) dial(ctx context.Context, endpoint string) (*wsConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Fatal: true, Err: fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &ConnectError{Endpoint: endpoint, Fatal: true, Err: fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		ce := &ConnectError{Endpoint: endpoint, Err: err}
		if errors.Is(err, websocket.ErrBadHandshake) {
			ce.Fatal = true
			if resp != nil {
				ce.StatusCode = resp.StatusCode
			}
		}
		return nil, ce
	}

	c := &wsConn{
		ws:       ws,
		cfg:      d.cfg,
		endpoint: endpoint,
		log:      d.log.With(zap.String("endpoint", endpoint)),
		out:      make(chan model.RawMessage, d.cfg.BufferSize),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.start()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	cfg      Config
	endpoint string
	log      *logger.Logger

	out    chan model.RawMessage
	closed chan struct{} // закрывается вызывающим через Close
	done   chan struct{} // закрывается при выходе readLoop

	writeMu   sync.Mutex
	closeOnce sync.Once
	byCaller  atomic.Bool

	errMu sync.Mutex
	err   error
}

func (c *wsConn) start() {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
}

func (c *wsConn) readLoop() {
	defer close(c.out)
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.byCaller.Load() {
				c.setErr(err)
				c.log.Warn("ws: read failed", zap.Error(err))
			}
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		select {
		case c.out <- model.RawMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.ReadTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return &SendError{Err: ErrClosed}
	case <-c.done:
		return &SendError{Err: ErrClosed}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (c *wsConn) Receive() <-chan model.RawMessage { return c.out }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Close sends a best-effort close frame, releases the socket and waits
// (bounded by CloseTimeout) for the read loop to exit.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.byCaller.Store(true)
		close(c.closed)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(100*time.Millisecond))
		_ = c.ws.Close()

		select {
		case <-c.done:
		case <-time.After(c.cfg.CloseTimeout):
			c.log.Warn("ws: read loop did not stop in time")
		}
	})
	return nil
}
