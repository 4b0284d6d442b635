package monitor

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestMetricsValues(t *testing.T) {
	before := testutil.ToFloat64(WorkerRestarts.WithLabelValues("crash"))
	WorkerRestarts.WithLabelValues("crash").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WorkerRestarts.WithLabelValues("crash")))

	WorkersLive.Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(WorkersLive))
	WorkerReadyDuration.Observe(0.02)
	HandoffDuration.Observe(0.001)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	ReloadChildren.Inc()
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "proton_reload_children_spawned_total")
}
