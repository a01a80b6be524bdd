// internal/app/handlers.go
package app

import (
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/feed"
	"github.com/YaganovValera/tradestream/pkg/model"
)

type recentResponse struct {
	Stream   string             `json:"stream"`
	Source   string             `json:"source"`
	Capacity int                `json:"capacity"`
	Trades   []model.TradeEvent `json:"trades"`
}

// GET /api/v1/recent?stream=<feed>:<symbol>[&source=redis]
func (a *App) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("stream")
	if _, _, ok := model.SplitStreamKey(key); !ok {
		writeError(w, http.StatusBadRequest, "stream must be <feed>:<symbol>")
		return
	}

	resp := recentResponse{Stream: key, Source: "memory", Capacity: a.sink.Capacity(key)}
	switch r.URL.Query().Get("source") {
	case "", "memory":
		resp.Trades = a.sink.Drain(key)
	case "redis":
		if a.recent == nil {
			writeError(w, http.StatusNotFound, "redis mirror is disabled")
			return
		}
		trades, err := a.recent.Load(r.Context(), key)
		if err != nil {
			a.log.WithContext(r.Context()).Error("recent: redis load failed", zap.String("stream", key), zap.Error(err))
			writeError(w, http.StatusBadGateway, "redis unavailable")
			return
		}
		resp.Source = "redis"
		resp.Capacity = a.cfg.Redis.Capacity
		resp.Trades = trades
	default:
		writeError(w, http.StatusBadRequest, "source must be memory or redis")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/streams
func (a *App) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"streams": a.sink.Streams()})
}

// GET /api/v1/feeds
func (a *App) handleFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := make([]feed.Health, 0, len(a.feeds))
	for _, f := range a.feeds {
		out = append(out, f.Health())
	}
	writeJSON(w, http.StatusOK, map[string][]feed.Health{"feeds": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
