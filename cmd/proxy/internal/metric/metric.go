// Package metric exposes acceptor connection counters to Prometheus.
package metric

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
)

const (
	namespace = "xalpn"

	labelReason   = "reason"
	labelProtocol = "protocol"
)

var failureReasons = []string{"no_protocol", "unknown_protocol", "rejected", "handshake", "other"}

// Collector turns acceptor events into Prometheus series. It implements
// core.Observer.
type Collector struct {
	accepted prometheus.Counter
	failures *prometheus.CounterVec
	handoffs *prometheus.CounterVec
	active   prometheus.GaugeFunc
	activeFn atomic.Pointer[func() int64]
}

// NewCollector creates unregistered collectors.
func NewCollector() *Collector {
	c := &Collector{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Raw connections accepted from the listener.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed before reaching a protocol handler, by reason.",
		}, []string{labelReason}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Connections handed to a protocol handler, by negotiated protocol.",
		}, []string{labelProtocol}),
	}
	c.active = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Accepted connections whose handshake or handler is still running.",
	}, func() float64 {
		if fn := c.activeFn.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})
	return c
}

// Register adds every collector to r and zeroes the failure reasons.
func (c *Collector) Register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, col := range []prometheus.Collector{c.accepted, c.failures, c.handoffs, c.active} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	for _, reason := range failureReasons {
		c.failures.WithLabelValues(reason)
	}
	return nil
}

// TrackActive sets the source of the active connections gauge.
func (c *Collector) TrackActive(fn func() int64) {
	c.activeFn.Store(&fn)
}

// ObserveConn implements core.Observer.
func (c *Collector) ObserveConn(ev core.Event) {
	switch ev.State {
	case core.StateAccepted:
		c.accepted.Inc()
	case core.StateHandedOff:
		c.handoffs.WithLabelValues(ev.Protocol).Inc()
	case core.StateFailed:
		c.failures.WithLabelValues(core.FailureReason(ev.Err)).Inc()
	}
}

// Handler serves the default exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
