// Package progress tracks ingestion jobs in a shared Redis keyspace so
// every API and worker process sees the same state. One worker owns each
// job; cancellation arrives from the API side and is observed at the
// orchestrator's checkpoints.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states. Terminal states never transition again.
const (
	StatePendiente  = "pendiente"
	StateProcesando = "procesando"
	StateCompletado = "completado"
	StateFallido    = "fallido"
	StateCancelado  = "cancelado"
)

const (
	keyPrefix  = "task_progress:"
	jobTTL     = 3600 * time.Second
	totalSteps = 100
)

// ErrNotFound is returned when a job is unknown or its record expired.
var ErrNotFound = errors.New("progress: job not found")

// ErrCancelled is returned by CheckCancelled when the job was cancelled.
var ErrCancelled = errors.New("progress: job cancelled")

// Job is the shared progress record for one ingestion job.
type Job struct {
	TaskID       string  `json:"task_id"`
	Expediente   string  `json:"expediente"`
	Filename     string  `json:"filename"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	Message      string  `json:"message"`
	ErrorDetails string  `json:"error_details,omitempty"`
	StartTS      float64 `json:"start_ts"`
	EndTS        float64 `json:"end_ts,omitempty"`
}

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool {
	switch j.Status {
	case StateCompletado, StateFallido, StateCancelado:
		return true
	}
	return false
}

// ElapsedSeconds returns end-start for finished jobs, now-start otherwise.
func (j *Job) ElapsedSeconds() float64 {
	if j.StartTS == 0 {
		return 0
	}
	if j.EndTS > 0 {
		return j.EndTS - j.StartTS
	}
	return nowSeconds() - j.StartTS
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}

// Tracker reads and writes job records.
type Tracker struct {
	rdb *redis.Client
}

// New returns a Tracker over the given Redis client.
func New(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

func key(jobID string) string {
	return keyPrefix + jobID
}

func (t *Tracker) load(ctx context.Context, jobID string) (*Job, error) {
	raw, err := t.rdb.Get(ctx, key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job record: %w", err)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decoding job record: %w", err)
	}
	return &j, nil
}

// save writes the record and refreshes the TTL.
func (t *Tracker) save(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if err := t.rdb.Set(ctx, key(j.TaskID), raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("writing job record: %w", err)
	}
	return nil
}

// Create registers a new job in Pendiente.
func (t *Tracker) Create(ctx context.Context, jobID, expediente, filename string) error {
	return t.save(ctx, &Job{
		TaskID:     jobID,
		Expediente: expediente,
		Filename:   filename,
		Status:     StatePendiente,
		StartTS:    nowSeconds(),
	})
}

// Start transitions the job to Procesando. A job already terminal (e.g.
// cancelled before pickup) is left untouched.
func (t *Tracker) Start(ctx context.Context, jobID string) error {
	j, err := t.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsFinished() {
		return nil
	}
	j.Status = StateProcesando
	j.StartTS = nowSeconds()
	return t.save(ctx, j)
}

// Update records a progress step and message. Steps clamp to [0,100];
// writes to terminal jobs are ignored.
func (t *Tracker) Update(ctx context.Context, jobID string, step int, message string) error {
	j, err := t.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsFinished() {
		return nil
	}
	if step < 0 {
		step = 0
	}
	if step > totalSteps {
		step = totalSteps
	}
	j.Progress = step
	j.Message = message
	return t.save(ctx, j)
}

// Complete transitions the job to Completado.
func (t *Tracker) Complete(ctx context.Context, jobID string) error {
	return t.finish(ctx, jobID, StateCompletado, "Procesamiento completado", "")
}

// Fail transitions the job to Fallido with error details.
func (t *Tracker) Fail(ctx context.Context, jobID, details string) error {
	return t.finish(ctx, jobID, StateFallido, "Procesamiento fallido", details)
}

// Cancel transitions the job to Cancelado. Returns false when the job is
// unknown or already terminal.
func (t *Tracker) Cancel(ctx context.Context, jobID string) (bool, error) {
	j, err := t.load(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if j.IsFinished() {
		return false, nil
	}
	j.Status = StateCancelado
	j.Message = "Procesamiento cancelado"
	j.EndTS = nowSeconds()
	if err := t.save(ctx, j); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) finish(ctx context.Context, jobID, state, message, details string) error {
	j, err := t.load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsFinished() {
		return nil
	}
	j.Status = state
	if state == StateCompletado {
		j.Progress = totalSteps
	}
	j.Message = message
	j.ErrorDetails = details
	j.EndTS = nowSeconds()
	return t.save(ctx, j)
}

// Get returns the job record, or ErrNotFound after TTL expiry.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Job, error) {
	return t.load(ctx, jobID)
}

// IsCancelled reports whether the job was cancelled. Unknown jobs count as
// cancelled so an orphaned worker stops doing work nobody can observe.
func (t *Tracker) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	j, err := t.load(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return j.Status == StateCancelado, nil
}

// CheckCancelled is the orchestrator's checkpoint helper: it returns
// ErrCancelled when the job should stop.
func (t *Tracker) CheckCancelled(ctx context.Context, jobID string) error {
	cancelled, err := t.IsCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return fmt.Errorf("%w: %s", ErrCancelled, jobID)
	}
	return nil
}
