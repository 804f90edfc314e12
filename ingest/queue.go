package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("ingest: queue closed")

type job struct {
	id  string
	req Request
}

// Queue dispatches ingestion jobs to a bounded worker pool. Each worker
// processes one job at a time; intra-job work is strictly sequential.
type Queue struct {
	orch *Orchestrator
	jobs chan job
	g    *errgroup.Group
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the worker pool.
func NewQueue(orch *Orchestrator, workers int) *Queue {
	if workers <= 0 {
		workers = 2
	}
	g, ctx := errgroup.WithContext(context.Background())
	q := &Queue{
		orch: orch,
		jobs: make(chan job, workers*4),
		g:    g,
		ctx:  ctx,
	}
	for i := 0; i < workers; i++ {
		g.Go(q.worker)
	}
	return q
}

func (q *Queue) worker() error {
	for j := range q.jobs {
		// Process records its own outcome in the tracker; a failed job
		// must not bring the pool down.
		if err := q.orch.Process(q.ctx, j.id, j.req); err != nil {
			slog.Debug("ingest: job finished with error", "job", j.id, "error", err)
		}
	}
	return nil
}

// Enqueue validates the request, registers the job as Pendiente and queues
// it. Returns the job ID for progress polling.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if err := ValidateUpload(req.Expediente, req.Filename, int64(len(req.Data)), q.orch.cfg.MaxFileSize); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	jobID := uuid.NewString()
	if err := q.orch.tracker.Create(ctx, jobID, req.Expediente, req.Filename); err != nil {
		return "", err
	}

	select {
	case q.jobs <- job{id: jobID, req: req}:
		return jobID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	return q.g.Wait()
}
