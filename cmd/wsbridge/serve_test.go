package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/wsbridge/pkg/config"
	"github.com/armorclaw/wsbridge/pkg/host"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
)

func TestServerOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.MaxConnections = 10
	cfg.Server.PongWait = "90s"
	cfg.Server.SendBuffer = 8

	opts := serverOptions(cfg)
	assert.Equal(t, "127.0.0.1", opts.Host)
	assert.Equal(t, 10, opts.MaxConnections)
	assert.Equal(t, 90*time.Second, opts.PongWait)
	assert.Equal(t, 8, opts.SendBuffer)
	assert.True(t, opts.TCPNoDelay)
}

func TestStartParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Origins = []string{"https://app.example.com"}
	cfg.Server.Subprotocols = []string{"json"}
	cfg.Server.TCPNoDelay = false

	p := startParams(cfg)
	assert.Equal(t, cfg.Server.Port, p.Port)
	assert.Equal(t, []string{"https://app.example.com"}, p.Origins)
	assert.Equal(t, []string{"json"}, p.Subprotocols)
	require.NotNil(t, p.TCPNoDelay)
	assert.False(t, *p.TCPNoDelay)
}

func TestMetricsRouter(t *testing.T) {
	collector := metrics.New("wsbridge_test")
	ctrl := host.New(host.Config{Logger: logger.Discard(), Metrics: collector})
	t.Cleanup(ctrl.Bus().Close)

	srv := httptest.NewServer(newMetricsRouter(collector, ctrl))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st host.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "none", st.Phase)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestStartStatsJob(t *testing.T) {
	c, err := startStatsJob("", nil, nil, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = startStatsJob("not a schedule", nil, nil, logger.Discard())
	assert.Error(t, err)

	c, err = startStatsJob("@every 1h", metrics.New("wsbridge_stats"), nil, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Len(t, c.Entries(), 1)
	c.Stop()
}
