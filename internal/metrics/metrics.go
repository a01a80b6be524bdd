package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FramesReceived: число текстовых фреймов, принятых из WebSocket.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "ws",
		Name: "frames_received_total",
		Help: "Total number of frames received from the exchange",
	}, []string{"feed"})

	// Classified: результат классификации по видам событий.
	Classified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "classifier",
		Name: "events_total",
		Help: "Classified inbound events by kind",
	}, []string{"feed", "kind"})

	// NormalizeDrops: трейды, отброшенные нормализатором.
	NormalizeDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "normalizer",
		Name: "drops_total",
		Help: "Trade events dropped by validation",
	}, []string{"feed", "reason"})

	TradesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "sink",
		Name: "trades_total",
		Help: "Trade events pushed into the sink",
	}, []string{"feed"})

	// ConnectionState: текущее состояние соединения (значение model-состояния).
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradestream", Subsystem: "ws",
		Name: "connection_state",
		Help: "Current connection state (0=disconnected,1=connecting,2=open,3=closing,4=closed,5=failed)",
	}, []string{"feed"})

	Connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "ws",
		Name: "connects_total",
		Help: "WebSocket connection attempts by status",
	}, []string{"feed", "status"})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "ws",
		Name: "reconnects_total",
		Help: "Reconnect cycles started after a connection failure",
	}, []string{"feed"})

	SubscribeAcks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "subscription",
		Name: "acks_total",
		Help: "Subscription acknowledgements by result (ok, timeout)",
	}, []string{"feed", "result"})

	SubscriberPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "sink",
		Name: "subscriber_panics_total",
		Help: "Panics recovered from sink subscribers",
	})

	// PublishQueueDrops: события, отброшенные из-за переполнения очереди публикатора.
	PublishQueueDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "publisher",
		Name: "queue_drops_total",
		Help: "Trade events dropped because the publisher queue was full",
	}, []string{"publisher"})

	Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradestream", Subsystem: "publisher",
		Name: "published_total",
		Help: "Trade events delivered to downstream systems by result",
	}, []string{"publisher", "result"})

	PublishLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradestream", Subsystem: "publisher",
		Name:    "publish_latency_seconds",
		Help:    "Latency from enqueue to downstream publish (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"publisher"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesReceived,
			Classified,
			NormalizeDrops,
			TradesEmitted,
			ConnectionState,
			Connects,
			Reconnects,
			SubscribeAcks,
			SubscriberPanics,
			PublishQueueDrops,
			Published,
			PublishLatency,
		)
	})
}

func IncFrame(feed string)                 { FramesReceived.WithLabelValues(feed).Inc() }
func IncClassified(feed, kind string)      { Classified.WithLabelValues(feed, kind).Inc() }
func IncNormalizeDrop(feed, reason string) { NormalizeDrops.WithLabelValues(feed, reason).Inc() }
func IncTrade(feed string)                 { TradesEmitted.WithLabelValues(feed).Inc() }
func SetState(feed string, state int)      { ConnectionState.WithLabelValues(feed).Set(float64(state)) }
func IncConnect(feed, status string)       { Connects.WithLabelValues(feed, status).Inc() }
func IncReconnect(feed string)             { Reconnects.WithLabelValues(feed).Inc() }
func IncSubscribeAck(feed, result string)  { SubscribeAcks.WithLabelValues(feed, result).Inc() }
func IncSubscriberPanic()                  { SubscriberPanics.Inc() }
func IncQueueDrop(publisher string)        { PublishQueueDrops.WithLabelValues(publisher).Inc() }
func IncPublished(publisher, result string) {
	Published.WithLabelValues(publisher, result).Inc()
}
