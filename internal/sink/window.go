package sink

import (
	"sync"

	"github.com/YaganovValera/tradestream/pkg/model"
)

// window is a fixed-capacity FIFO ring. Callers hold mu.
type window struct {
	mu    sync.Mutex
	buf   []model.TradeEvent
	start int
	size  int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]model.TradeEvent, capacity)}
}

func (w *window) push(ev model.TradeEvent) {
	capacity := len(w.buf)
	if capacity == 0 {
		return
	}
	if w.size < capacity {
		w.buf[(w.start+w.size)%capacity] = ev
		w.size++
		return
	}
	w.buf[w.start] = ev
	w.start = (w.start + 1) % capacity
}

func (w *window) snapshot() []model.TradeEvent {
	out := make([]model.TradeEvent, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// resize keeps the newest entries that fit.
func (w *window) resize(capacity int) {
	cur := w.snapshot()
	if len(cur) > capacity {
		cur = cur[len(cur)-capacity:]
	}
	w.buf = make([]model.TradeEvent, capacity)
	copy(w.buf, cur)
	w.start = 0
	w.size = len(cur)
}
