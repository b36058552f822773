package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink aggregates the counters and gauges the proxy core emits. All methods
// are safe for concurrent use and never block the data path.
type Sink struct {
	StreamsActive    prometheus.Gauge
	ClientsConnected *prometheus.GaugeVec

	ChunksProduced     *prometheus.CounterVec
	ChunksDroppedSlow  *prometheus.CounterVec
	EngineSelections   *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	InitialDataTimeout prometheus.Counter
	BufferEvictions    *prometheus.CounterVec
}

var Default = NewSink(prometheus.DefaultRegisterer)

func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streams_active",
			Help: "Number of stream managers currently alive",
		}),
		ClientsConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clients_connected",
			Help: "Connected clients per content id",
		}, []string{"cid"}),
		ChunksProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunks_produced_total",
			Help: "Chunks emitted by the upstream reader per content id",
		}, []string{"cid"}),
		ChunksDroppedSlow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunks_dropped_slow_client_total",
			Help: "Chunks discarded because a client queue stayed full",
		}, []string{"cid"}),
		EngineSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_selections_total",
			Help: "Engine picks by the selector",
		}, []string{"engine_id"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Upstream failures by kind",
		}, []string{"kind"}),
		InitialDataTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "initial_data_wait_exceeded_total",
			Help: "Streams that produced no data within the initial wait",
		}),
		BufferEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_evictions_total",
			Help: "Ring buffer evictions per content id",
		}, []string{"cid"}),
	}
}

// ForgetStream drops the per-CID label series once a manager is removed so
// the exporter does not accumulate dead streams.
func (s *Sink) ForgetStream(cid string) {
	s.ClientsConnected.DeleteLabelValues(cid)
	s.ChunksProduced.DeleteLabelValues(cid)
	s.ChunksDroppedSlow.DeleteLabelValues(cid)
	s.BufferEvictions.DeleteLabelValues(cid)
}
