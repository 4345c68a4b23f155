package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/peersync/internal/ir"
)

// Result is what an operation reports for a stage.
type Result struct {
	Status   ir.Status
	Deferred bool
	Err      error
}

// Handled reports that the operation ran the stage, ending in status.
func Handled(status ir.Status) Result { return Result{Status: status} }

// Defer passes the stage to the next operation in the chain.
func Defer() Result { return Result{Deferred: true} }

// Failed reports that the operation ran the stage and it failed.
func Failed(err error) Result { return Result{Status: ir.StatusErrored, Err: err} }

// Operation runs, or declines to run, one stage of a transfer session.
type Operation func(ctx context.Context, sc *SessionContext) Result

// TransferStore persists transfer session state.
type TransferStore interface {
	UpdateTransferSession(ctx context.Context, ts ir.TransferSession) error
}

// Controller drives transfer sessions through the stage pipeline.
//
// Thread-safety: chains and observers may be changed concurrently with
// Proceed, but a single session must not be proceeded from two goroutines
// at once; the Engine serializes that per transfer session.
type Controller struct {
	store  TransferStore
	clock  Clock
	logger *slog.Logger
	seq    sequence

	mu        sync.RWMutex
	chains    map[ir.Stage][]Operation
	observers map[EventKind][]Observer
}

// NewController creates a controller with empty chains.
func NewController(store TransferStore, clock Clock, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		clock:     clock,
		logger:    logger,
		chains:    make(map[ir.Stage][]Operation),
		observers: make(map[EventKind][]Observer),
	}
}

// SetChain replaces the operations of stage.
func (c *Controller) SetChain(stage ir.Stage, ops ...Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[stage] = append([]Operation(nil), ops...)
}

// Prepend puts op in front of stage's chain, so it sees the session first
// and may defer to the defaults.
func (c *Controller) Prepend(stage ir.Stage, op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[stage] = append([]Operation{op}, c.chains[stage]...)
}

// Chain returns a copy of stage's operations.
func (c *Controller) Chain(stage ir.Stage) []Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Operation(nil), c.chains[stage]...)
}

// On registers obs for events of kind.
func (c *Controller) On(kind EventKind, obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[kind] = append(c.observers[kind], obs)
}

// Proceed runs sc's transfer session through target inclusive. It returns
// early with PENDING or STARTED when a stage is waiting on the peer, and
// with an error when a stage fails. Completing CLEANUP moves the session
// to COMPLETED.
func (c *Controller) Proceed(ctx context.Context, sc *SessionContext, target ir.Stage) (ir.Status, error) {
	ts := &sc.Transfer
	for {
		if err := ctx.Err(); err != nil {
			return ts.Status, err
		}
		switch {
		case ts.Stage == ir.StageCompleted:
			return ir.StatusCompleted, nil
		case ts.Stage == ir.StageErrored:
			return ir.StatusErrored, fmt.Errorf("transfer session %s ended in error: %s", ts.ID, ts.LastError)
		case ts.Stage > target:
			return ir.StatusCompleted, nil
		}

		if ts.Status == ir.StatusCompleted {
			if ts.Stage == target && target != ir.StageCleanup {
				return ir.StatusCompleted, nil
			}
			if err := c.advance(ctx, sc); err != nil {
				return ts.Status, err
			}
			continue
		}

		status, err := c.invoke(ctx, sc)
		if err != nil || status != ir.StatusCompleted {
			return status, err
		}
	}
}

func (c *Controller) advance(ctx context.Context, sc *SessionContext) error {
	ts := &sc.Transfer
	ts.Stage = ts.Stage.Next()
	ts.Status = ir.StatusPending
	if ts.Stage == ir.StageCompleted {
		ts.Status = ir.StatusCompleted
		ts.Active = false
	}
	ts.LastActivityAt = c.clock.Now()
	return c.persist(ctx, sc)
}

// invoke offers the current stage to each operation in its chain.
func (c *Controller) invoke(ctx context.Context, sc *SessionContext) (ir.Status, error) {
	ts := &sc.Transfer
	if ts.Status != ir.StatusStarted {
		c.emit(EventStageStarted, sc, nil)
	}
	for _, op := range c.Chain(ts.Stage) {
		r := op(ctx, sc)
		if r.Deferred {
			continue
		}
		return c.record(ctx, sc, r)
	}

	err := stageConfigurationError(*ts)
	ts.Status = ir.StatusPending
	ts.LastError = err.Error()
	ts.LastActivityAt = c.clock.Now()
	if perr := c.persist(ctx, sc); perr != nil {
		return ts.Status, perr
	}
	c.logger.Error("stage not handled", "transfer", ts.ID, "stage", ts.Stage, "direction", ts.Direction)
	c.emit(EventStageErrored, sc, err)
	return ts.Status, err
}

func (c *Controller) record(ctx context.Context, sc *SessionContext, r Result) (ir.Status, error) {
	ts := &sc.Transfer
	ts.LastActivityAt = c.clock.Now()

	if r.Err != nil || r.Status == ir.StatusErrored {
		err := r.Err
		if err == nil {
			err = fmt.Errorf("stage %s reported an error", ts.Stage)
		}
		if code := ir.CodeOf(err); code != "" {
			err = ir.WrapError(code, err, "%s", ts.Stage).WithSession(ts.ID)
		}
		ts.Status = ir.StatusErrored
		ts.LastError = err.Error()
		if isFatal(err) {
			c.logger.Error("transfer session aborted", "transfer", ts.ID, "stage", ts.Stage, "error", err)
			ts.Stage = ir.StageErrored
			ts.Active = false
		} else {
			c.logger.Warn("stage failed", "transfer", ts.ID, "stage", ts.Stage, "error", err)
		}
		if perr := c.persist(ctx, sc); perr != nil {
			return ts.Status, perr
		}
		c.emit(EventStageErrored, sc, err)
		return ts.Status, err
	}

	ts.Status = r.Status
	ts.LastError = ""
	if err := c.persist(ctx, sc); err != nil {
		return ts.Status, err
	}
	if r.Status == ir.StatusCompleted {
		c.logger.Debug("stage completed", "transfer", ts.ID, "stage", ts.Stage, "server", sc.IsServer())
		c.emit(EventStageCompleted, sc, nil)
	}
	return ts.Status, nil
}

// progress persists transfer progress and notifies observers.
func (c *Controller) progress(ctx context.Context, sc *SessionContext) error {
	sc.Transfer.LastActivityAt = c.clock.Now()
	if err := c.persist(ctx, sc); err != nil {
		return err
	}
	c.emit(EventProgress, sc, nil)
	return nil
}

func (c *Controller) persist(ctx context.Context, sc *SessionContext) error {
	if err := c.store.UpdateTransferSession(ctx, sc.Transfer); err != nil {
		return fmt.Errorf("persist transfer session %s: %w", sc.Transfer.ID, err)
	}
	return nil
}

func (c *Controller) emit(kind EventKind, sc *SessionContext, err error) {
	c.mu.RLock()
	observers := c.observers[kind]
	c.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	ev := Event{
		Kind:               kind,
		Seq:                c.seq.Next(),
		At:                 c.clock.Now(),
		TransferSessionID:  sc.Transfer.ID,
		SyncSessionID:      sc.Sync.ID,
		Direction:          sc.Transfer.Direction,
		IsServer:           sc.IsServer(),
		Stage:              sc.Transfer.Stage,
		Status:             sc.Transfer.Status,
		RecordsTotal:       sc.Transfer.RecordsTotal,
		RecordsTransferred: sc.Transfer.RecordsTransferred,
		Stats:              sc.Stats,
		Err:                err,
	}
	for _, obs := range observers {
		obs(ev)
	}
}
