package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/testutil"
)

// memTransfers records every persisted transfer session state.
type memTransfers struct {
	mu     sync.Mutex
	writes []ir.TransferSession
}

func (m *memTransfers) UpdateTransferSession(_ context.Context, ts ir.TransferSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, ts)
	return nil
}

func (m *memTransfers) last() ir.TransferSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[len(m.writes)-1]
}

func newTestController() (*Controller, *memTransfers) {
	store := &memTransfers{}
	c := NewController(store, testutil.NewFakeClock(testNow), discardLogger())
	for _, stage := range ir.PipelineStages() {
		c.SetChain(stage, complete)
	}
	return c, store
}

func complete(context.Context, *SessionContext) Result { return Handled(ir.StatusCompleted) }

func newTestSession(dir ir.Direction) *SessionContext {
	return &SessionContext{
		Sync: ir.SyncSession{ID: "sync-1"},
		Transfer: ir.TransferSession{
			ID:            "transfer-1",
			SyncSessionID: "sync-1",
			Direction:     dir,
			Stage:         ir.StageInitializing,
			Status:        ir.StatusPending,
			Active:        true,
		},
		ChunkSize: 10,
	}
}

func TestController_RunsEveryStage(t *testing.T) {
	c, store := newTestController()
	sc := newTestSession(ir.DirectionPush)

	status, err := c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCompleted, status)
	assert.Equal(t, ir.StageCompleted, sc.Transfer.Stage)
	assert.False(t, sc.Transfer.Active)
	assert.Equal(t, ir.StageCompleted, store.last().Stage, "terminal state is persisted")
}

func TestController_StopsAtTarget(t *testing.T) {
	c, _ := newTestController()
	sc := newTestSession(ir.DirectionPull)

	status, err := c.Proceed(context.Background(), sc, ir.StageQueuing)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCompleted, status)
	assert.Equal(t, ir.StageQueuing, sc.Transfer.Stage)

	// Proceeding to an earlier stage is a no-op.
	status, err = c.Proceed(context.Background(), sc, ir.StageSerializing)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCompleted, status)
	assert.Equal(t, ir.StageQueuing, sc.Transfer.Stage)
}

func TestController_StartedWaits(t *testing.T) {
	c, _ := newTestController()
	calls := 0
	c.SetChain(ir.StageTransferring, func(context.Context, *SessionContext) Result {
		calls++
		return Handled(ir.StatusStarted)
	})
	sc := newTestSession(ir.DirectionPush)

	status, err := c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusStarted, status)
	assert.Equal(t, ir.StageTransferring, sc.Transfer.Stage)

	_, err = c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a started stage is offered again")
}

func TestController_UnhandledStage(t *testing.T) {
	c, store := newTestController()
	c.SetChain(ir.StageQueuing, func(context.Context, *SessionContext) Result { return Defer() })
	sc := newTestSession(ir.DirectionPush)

	var errored []Event
	c.On(EventStageErrored, func(ev Event) { errored = append(errored, ev) })

	status, err := c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.Error(t, err)
	assert.True(t, ir.IsStageConfiguration(err))
	assert.Equal(t, ir.StatusPending, status)
	assert.Equal(t, ir.StageQueuing, sc.Transfer.Stage, "the session is left in place")
	assert.True(t, sc.Transfer.Active)
	assert.NotEmpty(t, store.last().LastError)
	require.Len(t, errored, 1)
	assert.Equal(t, ir.StageQueuing, errored[0].Stage)
}

func TestController_ChainOrder(t *testing.T) {
	c, _ := newTestController()
	var order []string
	c.SetChain(ir.StageSerializing,
		func(context.Context, *SessionContext) Result { order = append(order, "first"); return Defer() },
		func(context.Context, *SessionContext) Result {
			order = append(order, "second")
			return Handled(ir.StatusCompleted)
		},
		func(context.Context, *SessionContext) Result {
			order = append(order, "third")
			return Handled(ir.StatusCompleted)
		},
	)
	c.Prepend(ir.StageSerializing, func(context.Context, *SessionContext) Result {
		order = append(order, "prepended")
		return Defer()
	})

	_, err := c.Proceed(context.Background(), newTestSession(ir.DirectionPush), ir.StageSerializing)
	require.NoError(t, err)
	assert.Equal(t, []string{"prepended", "first", "second"}, order)
	assert.Len(t, c.Chain(ir.StageSerializing), 4)
}

func TestController_RetryableFailureResumes(t *testing.T) {
	c, _ := newTestController()
	fail := true
	c.SetChain(ir.StageDequeuing, func(context.Context, *SessionContext) Result {
		if fail {
			return Failed(errors.New("disk full"))
		}
		return Handled(ir.StatusCompleted)
	})
	sc := newTestSession(ir.DirectionPull)

	status, err := c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.Error(t, err)
	assert.Equal(t, ir.StatusErrored, status)
	assert.Equal(t, ir.StageDequeuing, sc.Transfer.Stage)
	assert.Contains(t, sc.Transfer.LastError, "disk full")

	fail = false
	status, err = c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCompleted, status)
	assert.Empty(t, sc.Transfer.LastError)
}

func TestController_FatalFailureAborts(t *testing.T) {
	c, _ := newTestController()
	c.SetChain(ir.StageInitializing, func(context.Context, *SessionContext) Result {
		return Failed(ir.NewError(ir.ErrCodeInvalidChain, "bad signature"))
	})
	sc := newTestSession(ir.DirectionPull)

	_, err := c.Proceed(context.Background(), sc, ir.StageCleanup)
	require.Error(t, err)
	assert.True(t, ir.IsInvalidChain(err))
	assert.Equal(t, ir.StageErrored, sc.Transfer.Stage)
	assert.False(t, sc.Transfer.Active)

	_, err = c.Proceed(context.Background(), sc, ir.StageCleanup)
	assert.Error(t, err, "an aborted session cannot continue")
}

func TestController_EventsCarrySequence(t *testing.T) {
	c, _ := newTestController()
	var started, completed []Event
	c.On(EventStageStarted, func(ev Event) { started = append(started, ev) })
	c.On(EventStageCompleted, func(ev Event) { completed = append(completed, ev) })

	_, err := c.Proceed(context.Background(), newTestSession(ir.DirectionPush), ir.StageCleanup)
	require.NoError(t, err)
	require.Len(t, started, len(ir.PipelineStages()))
	require.Len(t, completed, len(ir.PipelineStages()))
	for i := range started {
		assert.Less(t, started[i].Seq, completed[i].Seq)
		assert.Equal(t, "transfer-1", completed[i].TransferSessionID)
	}
	assert.Equal(t, "stage_completed", completed[0].Kind.String())
}

func TestController_ContextCancelled(t *testing.T) {
	c, _ := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Proceed(ctx, newTestSession(ir.DirectionPush), ir.StageCleanup)
	assert.ErrorIs(t, err, context.Canceled)
}
