package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// Pool runs background jobs on a fixed number of workers.
//
// Thread-safety: Submit and Close are safe from any goroutine; Run must be
// called once.
type Pool struct {
	queue   *jobQueue
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool with the given number of workers (at least one).
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{queue: newJobQueue(), workers: workers, logger: logger}
}

// Submit queues j. It returns false when the pool is closed or a job with
// the same key is already queued or running.
func (p *Pool) Submit(j Job) bool {
	return p.queue.Enqueue(j)
}

// Pending returns the number of jobs waiting for a worker.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// Close stops accepting jobs. Queued jobs still run; Run returns once they
// are done.
func (p *Pool) Close() {
	p.queue.Close()
}

// Run starts the workers and blocks until ctx is cancelled or the pool is
// closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if j, ok := p.queue.TryDequeue(); ok {
			p.run(ctx, worker, j)
			continue
		}
		if p.queue.isClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Wait():
		}
	}
}

func (p *Pool) run(ctx context.Context, worker int, j Job) {
	defer p.queue.Done(j.Key)
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		p.logger.Error("job failed", "job", j.Key, "worker", worker, "error", err)
		return
	}
	p.logger.Debug("job done", "job", j.Key, "worker", worker, "duration", time.Since(start))
}

// PeerSync describes a recurring sync with one peer.
type PeerSync struct {
	Name                string
	Peer                Peer
	ClientCertificateID string
	ServerCertificateID string
	Filter              partition.Filter
	Pull                bool
	Push                bool
	Interval            time.Duration
}

// SyncOnce opens a sync session with ps.Peer, pulls then pushes as
// configured, and closes the session.
func (e *Engine) SyncOnce(ctx context.Context, ps PeerSync) ([]ir.TransferSession, error) {
	client, err := e.Connect(ctx, ps.Peer, ps.ClientCertificateID, ps.ServerCertificateID)
	if err != nil {
		return nil, err
	}
	var done []ir.TransferSession
	run := func(transfer func(context.Context, partition.Filter) (ir.TransferSession, error)) error {
		ts, err := transfer(ctx, ps.Filter)
		done = append(done, ts)
		return err
	}
	if ps.Pull {
		if err := run(client.Pull); err != nil {
			return done, err
		}
	}
	if ps.Push {
		if err := run(client.Push); err != nil {
			return done, err
		}
	}
	return done, client.Close(ctx)
}

// Schedule submits a sync job for every peer at once and then every
// Interval, until ctx is cancelled. A peer whose previous sync is still
// running is skipped for that tick.
func (e *Engine) Schedule(ctx context.Context, pool *Pool, peers []PeerSync) error {
	var wg sync.WaitGroup
	for _, ps := range peers {
		wg.Add(1)
		go func(ps PeerSync) {
			defer wg.Done()
			e.schedulePeer(ctx, pool, ps)
		}(ps)
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) schedulePeer(ctx context.Context, pool *Pool, ps PeerSync) {
	job := Job{
		Key: ps.Name,
		Run: func(ctx context.Context) error {
			_, err := e.SyncOnce(ctx, ps)
			return err
		},
	}
	submit := func() {
		if !pool.Submit(job) {
			e.logger.Debug("sync still running, skipping", "peer", ps.Name)
		}
	}
	submit()
	if ps.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(ps.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submit()
		}
	}
}
