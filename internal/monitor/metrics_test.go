package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	// 独立 registry，可以重复创建
	m := NewMonitor(log)
	_ = NewMonitor(log)
	defer m.Close()

	before := testutil.ToFloat64(FramesAccepted)
	FramesAccepted.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesAccepted))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "power_frames_accepted_total"))
}

func TestCloseIsIdempotent(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := NewMonitor(log)
	m.StartRuntimeMonitor()
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
