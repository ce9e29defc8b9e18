package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Handshake("accepted")
	m.MessageAccepted("normal")
	m.FrameRejected("rate_limited")
	m.Fanout(3, 1, time.Millisecond)
	m.AlertGroup("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("accepted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("rate_limited")))

	count, err := testutil.GatherAndCount(reg, "groupchat_fanout_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Handshake("accepted")
		m.MessageAccepted("alert")
		m.FrameRejected("invalid_frame")
		m.Fanout(1, 0, time.Second)
		m.AlertGroup("timeout")
	})
}
