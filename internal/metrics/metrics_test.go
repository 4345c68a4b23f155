package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/testutil"
)

type nopTransfers struct{}

func (nopTransfers) UpdateTransferSession(context.Context, ir.TransferSession) error { return nil }

func newController(t *testing.T) *engine.Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return engine.NewController(nopTransfers{}, clock, logger)
}

func session(dir ir.Direction, server bool) *engine.SessionContext {
	return &engine.SessionContext{
		Sync: ir.SyncSession{ID: "s", IsServer: server},
		Transfer: ir.TransferSession{
			ID:        "t",
			Direction: dir,
			Stage:     ir.StageInitializing,
			Status:    ir.StatusPending,
			Active:    true,
		},
	}
}

func TestCollectors_ObserveCompletedTransfer(t *testing.T) {
	c := New()
	ctrl := newController(t)
	c.Observe(ctrl)

	for _, stage := range ir.PipelineStages() {
		ctrl.SetChain(stage, func(_ context.Context, sc *engine.SessionContext) engine.Result {
			switch sc.Transfer.Stage {
			case ir.StageTransferring:
				sc.Transfer.RecordsTransferred = 7
			case ir.StageDequeuing:
				sc.Stats.New = 4
				sc.Stats.FastForward = 2
				sc.Stats.Conflict = 1
			case ir.StageDeserializing:
				sc.Stats.Deserialized = 6
				sc.Stats.DeserializeFailures = 1
			}
			return engine.Handled(ir.StatusCompleted)
		})
	}

	_, err := ctrl.Proceed(context.Background(), session(ir.DirectionPull, false), ir.StageCleanup)
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(c.TransfersTotal.WithLabelValues("pull", "client", "completed")))
	assert.Equal(t, 7.0, promtest.ToFloat64(c.RecordsTransferred.WithLabelValues("pull", "client")))
	assert.Equal(t, 4.0, promtest.ToFloat64(c.MergeOutcomes.WithLabelValues("new")))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.MergeOutcomes.WithLabelValues("fast_forward")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.MergeOutcomes.WithLabelValues("conflict")))
	assert.Equal(t, 6.0, promtest.ToFloat64(c.Deserialized.WithLabelValues("applied")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.Deserialized.WithLabelValues("failed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.StagesCompleted.WithLabelValues("queuing", "pull", "client")))
}

func TestCollectors_ObserveErrors(t *testing.T) {
	c := New()
	ctrl := newController(t)
	c.Observe(ctrl)
	for _, stage := range ir.PipelineStages() {
		ctrl.SetChain(stage, func(context.Context, *engine.SessionContext) engine.Result {
			return engine.Handled(ir.StatusCompleted)
		})
	}

	ctrl.SetChain(ir.StageTransferring, func(context.Context, *engine.SessionContext) engine.Result {
		return engine.Failed(errors.New("connection reset"))
	})
	_, err := ctrl.Proceed(context.Background(), session(ir.DirectionPush, true), ir.StageCleanup)
	require.Error(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.StageErrorsTotal.WithLabelValues("transferring", "UNKNOWN")))

	ctrl.SetChain(ir.StageInitializing, func(context.Context, *engine.SessionContext) engine.Result {
		return engine.Failed(ir.NewError(ir.ErrCodeInvalidChain, "bad signature"))
	})
	_, err = ctrl.Proceed(context.Background(), session(ir.DirectionPush, true), ir.StageCleanup)
	require.Error(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.StageErrorsTotal.WithLabelValues("errored", "INVALID_CHAIN")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.TransfersTotal.WithLabelValues("push", "server", "aborted")))
}

func TestCollectors_Handler(t *testing.T) {
	c := New()
	c.ObserveRequest(http.MethodPost, "/api/v1/nonces", http.StatusOK, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `peersync_http_requests_total{method="POST",route="/api/v1/nonces",status_code="200"} 1`)
	assert.Contains(t, body, "peersync_http_request_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
