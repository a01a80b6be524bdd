// Package sink keeps a bounded recent window of trades per stream and
// fans every pushed trade out to synchronous subscribers.
package sink

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/metrics"
	"github.com/YaganovValera/tradestream/pkg/logger"
	"github.com/YaganovValera/tradestream/pkg/model"
)

// DefaultCapacity applies to streams without an explicit capacity.
const DefaultCapacity = 100

// Callback is invoked synchronously for every pushed trade. It runs on
// the pushing connection's goroutine while the stream is locked: it must
// not block for long and must not call Push or Drain on the same stream.
type Callback func(streamKey string, ev model.TradeEvent)

type Config struct {
	// DefaultCapacity of 0 makes every stream real-time only.
	DefaultCapacity int
	// Capacities overrides the capacity per stream key. 0 disables
	// retention for that stream; callbacks still run.
	Capacities map[string]int
}

// Sink is safe for concurrent Push from several connections.
type Sink struct {
	log *logger.Logger

	mu         sync.RWMutex
	windows    map[string]*window
	capacities map[string]int
	defaultCap int

	subMu  sync.RWMutex
	subs   map[uint64]Callback
	nextID atomic.Uint64
}

func New(cfg Config, log *logger.Logger) *Sink {
	if cfg.DefaultCapacity < 0 {
		cfg.DefaultCapacity = DefaultCapacity
	}
	caps := make(map[string]int, len(cfg.Capacities))
	for k, v := range cfg.Capacities {
		if v < 0 {
			v = 0
		}
		caps[k] = v
	}
	return &Sink{
		log:        log.Named("sink"),
		windows:    make(map[string]*window),
		capacities: caps,
		defaultCap: cfg.DefaultCapacity,
		subs:       make(map[uint64]Callback),
	}
}

// SetCapacity sets the capacity of one stream. Shrinking drops the
// oldest entries.
func (s *Sink) SetCapacity(streamKey string, capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	s.mu.Lock()
	s.capacities[streamKey] = capacity
	w := s.windows[streamKey]
	s.mu.Unlock()

	if w != nil {
		w.mu.Lock()
		w.resize(capacity)
		w.mu.Unlock()
	}
}

// Push appends ev to the stream's window, evicting the oldest entry when
// full, then invokes every subscriber. Pushes to the same stream key are
// serialized, so subscribers observe per-stream order.
func (s *Sink) Push(streamKey string, ev model.TradeEvent) {
	w := s.window(streamKey)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(ev)

	metrics.IncTrade(ev.Feed)

	s.subMu.RLock()
	subs := make([]Callback, 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.subMu.RUnlock()

	for _, cb := range subs {
		s.invoke(cb, streamKey, ev)
	}
}

func (s *Sink) invoke(cb Callback, streamKey string, ev model.TradeEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncSubscriberPanic()
			s.log.Error("sink: subscriber panic recovered",
				zap.String("stream", streamKey),
				zap.Any("panic", r),
			)
		}
	}()
	cb(streamKey, ev)
}

// Drain returns a copy of the stream's window, oldest first. It never
// removes entries; an unknown stream yields an empty slice.
func (s *Sink) Drain(streamKey string) []model.TradeEvent {
	s.mu.RLock()
	w := s.windows[streamKey]
	s.mu.RUnlock()
	if w == nil {
		return []model.TradeEvent{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

// Subscribe registers cb and returns a function that removes it.
func (s *Sink) Subscribe(cb Callback) (unsubscribe func()) {
	id := s.nextID.Add(1)
	s.subMu.Lock()
	s.subs[id] = cb
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Streams lists the stream keys that have received at least one trade.
func (s *Sink) Streams() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Capacity reports the effective capacity of a stream.
func (s *Sink) Capacity(streamKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacityLocked(streamKey)
}

func (s *Sink) capacityLocked(streamKey string) int {
	if c, ok := s.capacities[streamKey]; ok {
		return c
	}
	return s.defaultCap
}

func (s *Sink) window(streamKey string) *window {
	s.mu.RLock()
	w, ok := s.windows[streamKey]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[streamKey]; ok {
		return w
	}
	w = newWindow(s.capacityLocked(streamKey))
	s.windows[streamKey] = w
	return w
}
