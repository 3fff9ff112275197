package coordinator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/logflow/internal/config"
	"github.com/t77yq/logflow/internal/coordinator"
	"github.com/t77yq/logflow/internal/testutil"
	"github.com/t77yq/logflow/internal/worker"
)

// writeSource writes n log entries into one minute-aligned window,
// errRate of them at ERROR level. Every INFO line carries a 100ms
// response time.
func writeSource(t *testing.T, n, errs int) string {
	t.Helper()

	var sb []byte
	for i := 0; i < n; i++ {
		level := "INFO Request processed in 100ms"
		if i < errs {
			level = "ERROR upstream failed"
		}
		line := fmt.Sprintf("2024-01-15 10:00:%02d.123 %s\n", i%60, level)
		sb = append(sb, line...)
	}

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, sb, 0o644))
	return path
}

func coordinatorConfig(source string) *config.Coordinator {
	return &config.Coordinator{
		SourcePath:           source,
		TargetChunks:         4,
		MaxAttempts:          3,
		SweepInterval:        time.Second,
		SuspectTimeout:       30 * time.Second,
		DeadTimeout:          time.Minute,
		DispatchInterval:     20 * time.Millisecond,
		MaxInflightPerWorker: 2,
		WindowSize:           time.Minute,
	}
}

func workerConfig() *config.Worker {
	return &config.Worker{
		HeartbeatInterval:    50 * time.Millisecond,
		WindowSize:           time.Minute,
		SubmitMaxAttempts:    3,
		SubmitInitialBackoff: 50 * time.Millisecond,
		SubmitMaxBackoff:     time.Second,
	}
}

func TestEndToEndAggregation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	nc := testutil.StartServer(t)

	source := writeSource(t, 100, 10)
	coord := coordinator.New(coordinatorConfig(source), nc, nil, logger)
	require.NoError(t, coord.LoadSource(source))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop()

	for i := 0; i < 2; i++ {
		w := worker.New(workerConfig(), testutil.Connect(t, nc), logger)
		require.NoError(t, w.Start(ctx))
		defer w.Stop()
	}

	require.Eventually(t, coord.Done, 10*time.Second, 20*time.Millisecond)

	resp, err := nc.Request(coordinator.SubjectMetrics, nil, 2*time.Second)
	require.NoError(t, err)

	var metrics coordinator.MetricsResponse
	require.NoError(t, json.Unmarshal(resp.Data, &metrics))

	assert.Equal(t, 4, metrics.Chunks.Completed)
	assert.Zero(t, metrics.Chunks.Failed)
	assert.Empty(t, metrics.Uncovered)
	assert.Zero(t, metrics.ParseErrors)

	var requests, errs int64
	for _, w := range metrics.Windows {
		requests += w.RequestCount
		errs += w.ErrorCount
	}
	assert.Equal(t, int64(100), requests)
	assert.Equal(t, int64(10), errs)

	// All entries share one window, so its rate is exact.
	require.Len(t, metrics.Windows, 1)
	for _, w := range metrics.Windows {
		assert.InDelta(t, 0.10, w.ErrorRate, 1e-9)
		assert.InDelta(t, 100.0, w.AvgResponseTime, 1e-9)
	}
}

func TestEndToEndCountsMalformedLines(t *testing.T) {
	logger := zaptest.NewLogger(t)
	nc := testutil.StartServer(t)

	content := "2024-01-15 10:00:01.000 INFO ok\n" +
		"garbage line with no structure\n" +
		"2024-01-15 10:00:02.000 ERROR broken\n"
	source := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	cfg := coordinatorConfig(source)
	cfg.TargetChunks = 1
	coord := coordinator.New(cfg, nc, nil, logger)
	require.NoError(t, coord.LoadSource(source))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop()

	w := worker.New(workerConfig(), testutil.Connect(t, nc), logger)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, coord.Done, 10*time.Second, 20*time.Millisecond)

	resp, err := nc.Request(coordinator.SubjectMetrics, nil, 2*time.Second)
	require.NoError(t, err)
	var metrics coordinator.MetricsResponse
	require.NoError(t, json.Unmarshal(resp.Data, &metrics))

	assert.Equal(t, int64(1), metrics.ParseErrors)
	var requests int64
	for _, w := range metrics.Windows {
		requests += w.RequestCount
	}
	assert.Equal(t, int64(2), requests)
}

func TestRegisterAndHeartbeatProtocol(t *testing.T) {
	logger := zaptest.NewLogger(t)
	nc := testutil.StartServer(t)

	source := writeSource(t, 10, 0)
	coord := coordinator.New(coordinatorConfig(source), nc, nil, logger)
	require.NoError(t, coord.LoadSource(source))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop()

	data, _ := json.Marshal(coordinator.RegisterRequest{Address: "host-1"})
	resp, err := nc.Request(coordinator.SubjectRegister, data, 2*time.Second)
	require.NoError(t, err)
	var reg coordinator.RegisterResponse
	require.NoError(t, json.Unmarshal(resp.Data, &reg))
	require.NotEmpty(t, reg.WorkerID)
	assert.Equal(t, int64(1), reg.Generation)

	hb, _ := json.Marshal(coordinator.HeartbeatRequest{WorkerID: reg.WorkerID, Generation: reg.Generation})
	resp, err = nc.Request(coordinator.SubjectHeartbeat, hb, 2*time.Second)
	require.NoError(t, err)
	var ack coordinator.HeartbeatResponse
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, coordinator.StatusOK, ack.Status)

	// A heartbeat from a superseded generation tells the worker to
	// re-register instead of erroring.
	stale, _ := json.Marshal(coordinator.HeartbeatRequest{WorkerID: reg.WorkerID, Generation: 0})
	resp, err = nc.Request(coordinator.SubjectHeartbeat, stale, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, coordinator.StatusStaleGeneration, ack.Status)
}
