// Package metrics holds the Prometheus collectors shared by the realtime and document packages.
//
// Every method is safe on a nil *Collectors so packages can run (and be tested) without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "noogle"

// Frame results.
const (
	ResultOK        = "ok"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
	ResultFailed    = "failed"
)

// Collectors is the set of noogle metrics.
type Collectors struct {
	connections      prometheus.Gauge
	rooms            prometheus.Gauge
	frames           *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	saves            *prometheus.CounterVec
	loads            *prometheus.CounterVec
	cacheErrors      *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collectors{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open realtime connections.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of documents with at least one connected member.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by envelope type and handling result.",
		}, []string{"type", "result"}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast deliveries dropped because the member queue was full or closing.",
		}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_saves_total",
			Help:      "Save requests by coalescing outcome.",
		}, []string{"outcome"}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_loads_total",
			Help:      "Document loads by outcome (existing, created, failed).",
		}, []string{"outcome"}),
		cacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Coalescing cache failures by operation.",
		}, []string{"op"}),
	}
}

func (c *Collectors) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collectors) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collectors) RoomCreated() {
	if c == nil {
		return
	}
	c.rooms.Inc()
}

func (c *Collectors) RoomRemoved() {
	if c == nil {
		return
	}
	c.rooms.Dec()
}

// Frame counts one inbound frame.
func (c *Collectors) Frame(typ, result string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(typ, result).Inc()
}

func (c *Collectors) BroadcastDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.broadcastDropped.Add(float64(n))
}

func (c *Collectors) Save(outcome string) {
	if c == nil {
		return
	}
	c.saves.WithLabelValues(outcome).Inc()
}

func (c *Collectors) Load(outcome string) {
	if c == nil {
		return
	}
	c.loads.WithLabelValues(outcome).Inc()
}

func (c *Collectors) CacheError(op string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(op).Inc()
}
