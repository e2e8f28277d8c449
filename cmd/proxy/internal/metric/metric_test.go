package metric

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
)

func TestCollectorObservesEvents(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	events := []core.Event{
		{State: core.StateAccepted},
		{State: core.StateAccepted},
		{State: core.StateAccepted},
		{State: core.StateHandshaking},
		{State: core.StateResolved, Protocol: core.ProtocolHTTP2},
		{State: core.StateHandedOff, Protocol: core.ProtocolHTTP2},
		{State: core.StateHandedOff, Protocol: core.ProtocolHTTP11},
		{State: core.StateFailed, Err: &core.HandshakeError{Err: errors.New("tls: bad record")}},
	}
	for _, ev := range events {
		c.ObserveConn(ev)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(c.accepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffs.WithLabelValues(core.ProtocolHTTP2)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffs.WithLabelValues(core.ProtocolHTTP11)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.failures.WithLabelValues("handshake")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.failures.WithLabelValues("rejected")))
}

func TestCollectorActiveGauge(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, float64(0), testutil.ToFloat64(c.active))

	var n int64 = 7
	c.TrackActive(func() int64 { return n })
	assert.Equal(t, float64(7), testutil.ToFloat64(c.active))
}

func TestCollectorRegister(t *testing.T) {
	c := NewCollector()
	assert.NoError(t, c.Register(nil))

	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	assert.Equal(t, len(failureReasons), testutil.CollectAndCount(c.failures))
	assert.Error(t, c.Register(reg), "double registration must fail")
}

func TestHandlerExposesSeries(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	c.ObserveConn(core.Event{State: core.StateAccepted})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xalpn_connections_accepted_total 1")
	assert.Contains(t, rec.Body.String(), `xalpn_handshake_failures_total{reason="no_protocol"} 0`)
	assert.Contains(t, rec.Body.String(), "xalpn_connections_active 0")
}
