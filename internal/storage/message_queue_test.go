package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"power-monitor/internal/config"
	"power-monitor/internal/monitor"
	"power-monitor/pkg/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(addr string) config.RedisConfig {
	cfg := config.GetDefaultConfig().Redis
	cfg.Enabled = true
	cfg.Addr = addr
	cfg.QueueSize = 16
	cfg.BatchSize = 2
	return cfg
}

func TestPublishKeepsRecentSamples(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())
	cfg.ListLimit = 2

	mq, err := NewMessageQueue(cfg, testLogger())
	require.NoError(t, err)
	defer mq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mq.Serve(ctx) }()

	for i := 1; i <= 3; i++ {
		mq.OnSample(protocol.Sample{Elapsed: float64(i), Voltage: 5, Current: 0.5})
	}

	key := cfg.Channel + ":history"
	require.Eventually(t, func() bool {
		items, err := mr.List(key)
		if err != nil || len(items) != 2 {
			return false
		}
		var msg Message
		return json.Unmarshal([]byte(items[0]), &msg) == nil && msg.Data != nil && msg.Data.Elapsed == 3
	}, 2*time.Second, 10*time.Millisecond)

	items, _ := mr.List(key)
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.Equal(t, "sample", msg.Type)
	assert.InDelta(t, 2.5, msg.Data.Power, 1e-9)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, uint64(3), mq.GetStats()["published"])
}

func TestResetClearsList(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())

	mq, err := NewMessageQueue(cfg, testLogger())
	require.NoError(t, err)
	defer mq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mq.Serve(ctx)

	mq.OnSample(protocol.Sample{Elapsed: 1, Voltage: 5, Current: 1})
	mq.OnSample(protocol.Sample{Elapsed: 2, Voltage: 5, Current: 1})
	mq.OnReset()
	mq.OnSample(protocol.Sample{Elapsed: 0.5, Voltage: 3, Current: 1})

	key := cfg.Channel + ":history"
	require.Eventually(t, func() bool {
		items, err := mr.List(key)
		if err != nil || len(items) != 1 {
			return false
		}
		var msg Message
		return json.Unmarshal([]byte(items[0]), &msg) == nil && msg.Data != nil && msg.Data.Elapsed == 0.5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullQueueDropsNewest(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())
	cfg.QueueSize = 2

	mq, err := NewMessageQueue(cfg, testLogger())
	require.NoError(t, err)
	defer mq.Close()

	before := testutil.ToFloat64(monitor.SinkDropped.WithLabelValues(sinkName))

	// 没有 Serve 消费，入队不能阻塞
	for i := 0; i < 5; i++ {
		mq.OnSample(protocol.Sample{Elapsed: float64(i)})
	}

	assert.Equal(t, before+3, testutil.ToFloat64(monitor.SinkDropped.WithLabelValues(sinkName)))
	assert.Equal(t, 2, mq.GetStats()["queued"])
	assert.Equal(t, uint64(3), mq.GetStats()["dropped"])
}

func TestPublishFailureCounted(t *testing.T) {
	mr := miniredis.RunT(t)
	mq, err := NewMessageQueue(testConfig(mr.Addr()), testLogger())
	require.NoError(t, err)
	defer mq.Close()

	mr.SetError("READONLY unavailable")
	before := testutil.ToFloat64(monitor.SinkErrors.WithLabelValues(sinkName))

	err = mq.PublishBatch(context.Background(), []protocol.Sample{{Elapsed: 1, Voltage: 1, Current: 1}})
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(monitor.SinkErrors.WithLabelValues(sinkName)))

	mr.SetError("")
	assert.NoError(t, mq.PublishBatch(context.Background(), []protocol.Sample{{Elapsed: 2, Voltage: 1, Current: 1}}))
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewMessageQueue(testConfig(addr), testLogger())
	assert.Error(t, err)
}
