package server

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"power-monitor/internal/config"
	"power-monitor/internal/export"
	"power-monitor/internal/session"
	"power-monitor/internal/simulator"
	"power-monitor/internal/transport"
	"power-monitor/pkg/protocol"
)

type countingOpener struct {
	opens atomic.Int32
	open  func() (transport.Port, error)
}

func (o *countingOpener) Open(ctx context.Context) (transport.Port, error) {
	o.opens.Add(1)
	return o.open()
}

func (o *countingOpener) String() string { return "test" }

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.Monitor.Enabled = false
	cfg.Device.AutoStart = false
	cfg.Device.ReconnectBackoff = 10 * time.Millisecond
	cfg.History.Capacity = 1000
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opener transport.Opener) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := newServer(cfg, opener, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := s.supervisor.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func sessionActive(s *Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func demoOpener() transport.Opener {
	return &transport.DemoOpener{Options: simulator.Options{Rate: 500, Seed: 7}}
}

func TestStartStopSession(t *testing.T) {
	s := newTestServer(t, testConfig(), demoOpener())

	assert.ErrorIs(t, s.StopSession(), session.ErrSessionIdle)
	require.NoError(t, s.StartSession())
	assert.ErrorIs(t, s.StartSession(), session.ErrSessionActive)

	require.Eventually(t, func() bool { return s.History().Len() > 5 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "active", s.SessionInfo().State)

	require.NoError(t, s.StopSession())
	assert.Equal(t, "idle", s.SessionInfo().State)
	n := s.History().Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, s.History().Len())
	assert.Equal(t, uint64(n), s.SessionInfo().Samples)

	// 新会话清空历史
	firstID := s.SessionInfo().ID
	require.NoError(t, s.StartSession())
	require.Eventually(t, func() bool { return s.SessionInfo().ID != firstID }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, s.StopSession())
}

func TestStreamEndDoesNotRestart(t *testing.T) {
	frame := protocol.BuildFrame(protocol.ModelMeter, protocol.CommandStream, [2]byte{},
		protocol.MeasurementPayload(10000, 5000))
	opener := &countingOpener{open: func() (transport.Port, error) {
		return transport.NewReplayPort(frame, 0, 0), nil
	}}
	s := newTestServer(t, testConfig(), opener)

	require.NoError(t, s.StartSession())
	require.Eventually(t, func() bool { return !sessionActive(s) }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.StopSession(), session.ErrSessionIdle)

	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, 1, s.History().Len())
}

func TestReconnectAfterFailure(t *testing.T) {
	opener := &countingOpener{open: func() (transport.Port, error) {
		return nil, errors.New("no device")
	}}
	s := newTestServer(t, testConfig(), opener)

	require.NoError(t, s.StartSession())
	require.Eventually(t, func() bool { return opener.opens.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, s.StopSession())
	assert.Equal(t, session.StateIdle, s.pipeline.State())
}

func TestNoReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Reconnect = false
	opener := &countingOpener{open: func() (transport.Port, error) {
		return nil, errors.New("no device")
	}}
	s := newTestServer(t, cfg, opener)

	require.NoError(t, s.StartSession())
	require.Eventually(t, func() bool { return !sessionActive(s) }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.StopSession(), session.ErrSessionIdle)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestImportResult(t *testing.T) {
	s := newTestServer(t, testConfig(), demoOpener())
	s.markers.Add(export.Marker{Time: 9, Label: "old"})

	res := &export.Result{
		Samples: []protocol.Sample{{Elapsed: 0, Voltage: 5, Current: 1}, {Elapsed: 1, Voltage: 6, Current: 2}},
		Markers: []export.Marker{{Time: 1, Label: "peak"}},
	}
	require.NoError(t, s.ImportResult(res))
	assert.Equal(t, 2, s.History().Len())
	assert.Equal(t, 6.0, s.History().Extrema().VoltageMax)
	assert.Equal(t, []export.Marker{{Time: 1, Label: "peak"}}, s.markers.List())

	require.NoError(t, s.StartSession())
	assert.ErrorIs(t, s.ImportResult(res), session.ErrSessionActive)
	require.NoError(t, s.StopSession())
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Device.AutoStart = true
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := newServer(cfg, demoOpener(), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.History().Len() > 0 }, 3*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, session.StateIdle, s.pipeline.State())
	assert.ErrorIs(t, s.StopSession(), session.ErrSessionIdle)
}
