package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_frames_total",
			Help: "Frames dispatched, by disposition.",
		},
		[]string{"disposition"},
	)

	PositionsInsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackserver_positions_inserted_total",
			Help: "Position rows written.",
		},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackserver_store_write_duration_seconds",
			Help:    "Store operation latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	FanoutMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_fanout_messages_total",
			Help: "Messages delivered to subscribers, by envelope type.",
		},
		[]string{"type"},
	)

	FanoutSendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackserver_fanout_send_failures_total",
			Help: "Subscriber sends that failed; the sink is detached.",
		},
	)

	SubscribersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackserver_subscribers_connected",
			Help: "Currently attached subscriber sinks.",
		},
	)

	IngestConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackserver_ingest_connections",
			Help: "Open beacon TCP connections.",
		},
	)

	ExportProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_export_produced_total",
			Help: "Positions produced to the Kafka export feed.",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FramesTotal,
			PositionsInsertedTotal,
			StoreWriteDuration,
			FanoutMessagesTotal,
			FanoutSendFailuresTotal,
			SubscribersConnected,
			IngestConnections,
			ExportProducedTotal,
		)
	})
}
