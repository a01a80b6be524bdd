package feed

import (
	"context"
	"sync"
	"time"

	"github.com/YaganovValera/tradestream/internal/transport"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// fakeConn: управляемое из теста соединение.
type fakeConn struct {
	mu      sync.Mutex
	out     chan model.RawMessage
	done    chan struct{}
	ended   bool
	err     error
	sent    [][]byte
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan model.RawMessage, 64), done: make(chan struct{})}
}

func (f *fakeConn) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return &transport.SendError{Err: f.sendErr}
	}
	if f.ended {
		return &transport.SendError{Err: transport.ErrClosed}
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Receive() <-chan model.RawMessage { return f.out }
func (f *fakeConn) Done() <-chan struct{}            { return f.done }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Close() error {
	f.end(nil)
	return nil
}

func (f *fakeConn) push(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ended {
		f.out <- model.RawMessage{Data: []byte(frame), ReceivedAt: time.Now()}
	}
}

// end имитирует обрыв (err != nil) или закрытие.
func (f *fakeConn) end(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.err = err
	close(f.out)
	close(f.done)
}

func (f *fakeConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// fakeDialer возвращает ошибки из failures по очереди, затем новые fakeConn.
type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	always   error
	attempts int
	sendErrs []error
	conns    chan *fakeConn
}

func newFakeDialer(failures ...error) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Open(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.always != nil {
		return nil, d.always
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectError{Endpoint: "fake", Err: err}
	}
	c := newFakeConn()
	if len(d.sendErrs) > 0 {
		c.sendErr = d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
	}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// recordingSink собирает трейды.
type recordingSink struct {
	mu     sync.Mutex
	trades []model.TradeEvent
	keys   []string
}

func (s *recordingSink) Push(key string, ev model.TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.trades = append(s.trades, ev)
}

func (s *recordingSink) snapshot() ([]string, []model.TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...), append([]model.TradeEvent(nil), s.trades...)
}

// stateLog записывает переходы состояний.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(_ string, _, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.states {
		if st == s {
			n++
		}
	}
	return n
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
