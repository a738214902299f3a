package rsmq

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsOperations(t *testing.T) {
	_, rdb := newTestRedis(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, rdb, WithMetrics(m))
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs")
	id := mustSend(t, c, "jobs", "a")
	mustSend(t, c, "jobs", "b")

	got, err := c.ReceiveMessage(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	_, err = c.PopMessage(ctx, "jobs")
	require.NoError(t, err)
	_, err = c.PopMessage(ctx, "jobs")
	require.NoError(t, err)
	ok, err := c.DeleteMessage(ctx, "jobs", id)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Sent.WithLabelValues("jobs")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Received.WithLabelValues("jobs")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Popped.WithLabelValues("jobs")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EmptyReceives.WithLabelValues("jobs")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Deleted.WithLabelValues("jobs")))

	n, err := testutil.GatherAndCount(reg, "rsmq_messages_sent_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.sent("q")
	m.claimed("q", nil, false)
	m.deleted("q")
	m.degraded("op")
	m.reconnect()
	m.txConflict()
}
