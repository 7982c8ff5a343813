// Package runner executes automation jobs server-side and streams their
// progress. A job outlives the HTTP stream that started it; it stops when it
// finishes, is cancelled, or its client stops renewing the lease.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/blob"
	"github.com/example/saleshub/api-go/internal/model"
)

var (
	ErrUnknownProcess = errors.New("unknown process type")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrLeaseExpired   = errors.New("job lease expired")
	ErrCanceled       = errors.New("job canceled")
	ErrShutdown       = errors.New("server shutting down")
	ErrJobFinished    = errors.New("job already finished")
)

// Reporter records a progress step for the running job.
type Reporter func(progress float64, step string)

// Processor performs the work for one process type.
type Processor interface {
	Validate(payload json.RawMessage) error
	Process(ctx context.Context, job model.Job, report Reporter) (any, error)
}

// JobStore is the persistence the runner needs; *store.SQLite satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
}

type Options struct {
	LeaseTTL time.Duration
	Logger   *zap.Logger
}

type Manager struct {
	jobs       JobStore
	blobs      blob.LocalFS
	processors map[string]Processor
	leaseTTL   time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]*activeJob
	wg     sync.WaitGroup
}

type activeJob struct {
	id       string
	cancel   context.CancelCauseFunc
	done     chan struct{}
	events   chan model.Frame
	detached chan struct{}
	detach   sync.Once

	mu           sync.Mutex
	leaseExpires time.Time
}

func NewManager(jobs JobStore, blobs blob.LocalFS, processors map[string]Processor, opts Options) *Manager {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		jobs:       jobs,
		blobs:      blobs,
		processors: processors,
		leaseTTL:   opts.LeaseTTL,
		logger:     opts.Logger,
		active:     make(map[string]*activeJob),
	}
}

// Subscription delivers a job's frames in order. Events is closed after the
// terminal frame. Detach stops delivery without stopping the job.
type Subscription struct {
	JobID  string
	Events <-chan model.Frame
	Detach func()
}

// Start creates the job and begins processing it in the background.
func (m *Manager) Start(ctx context.Context, processType string, payload json.RawMessage) (*Subscription, error) {
	proc, ok := m.processors[processType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcess, processType)
	}
	if err := proc.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:             uuid.NewString(),
		ProcessType:    processType,
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         model.JobQueued,
		Step:           "Queued",
		Payload:        payload,
		LeaseExpiresAt: now.Add(m.leaseTTL),
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	aj := &activeJob{
		id:           job.ID,
		cancel:       cancel,
		done:         make(chan struct{}),
		events:       make(chan model.Frame, 16),
		detached:     make(chan struct{}),
		leaseExpires: job.LeaseExpiresAt,
	}

	m.mu.Lock()
	m.active[job.ID] = aj
	m.mu.Unlock()

	m.wg.Add(2)
	go m.run(runCtx, aj, proc, job)
	go m.watchLease(runCtx, aj)

	m.logger.Info("job started", zap.String("job_id", job.ID), zap.String("process_type", processType))
	return &Subscription{
		JobID:  job.ID,
		Events: aj.events,
		Detach: func() { aj.detach.Do(func() { close(aj.detached) }) },
	}, nil
}

func (m *Manager) run(ctx context.Context, aj *activeJob, proc Processor, job model.Job) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.active, aj.id)
		m.mu.Unlock()
		aj.cancel(nil)
		close(aj.done)
		close(aj.events)
	}()

	// Status writes must land even after cancellation.
	storeCtx := context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("job_id", job.ID))

	running := model.JobRunning
	job.Status = running
	m.update(storeCtx, job.ID, model.JobPatch{Status: &running})
	aj.emit(model.Frame{JobID: job.ID, Progress: 0, Step: "Starting", Status: string(running)})

	report := func(progress float64, step string) {
		if ctx.Err() != nil {
			return
		}
		progress = clampProgress(progress)
		m.update(storeCtx, job.ID, model.JobPatch{Progress: &progress, Step: &step})
		aj.emit(model.Frame{JobID: job.ID, Progress: progress, Step: step, Status: string(running)})
	}

	result, err := proc.Process(ctx, job, report)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		m.finishWithError(storeCtx, ctx, aj, job, err)
		log.Warn("job ended without result", zap.Error(err))
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		m.finishWithError(storeCtx, ctx, aj, job, fmt.Errorf("encode result: %w", err))
		return
	}
	patch := model.JobPatch{Result: raw}
	if key, err := m.blobs.PutJSON(blob.ResultKey(job.ID), json.RawMessage(raw)); err != nil {
		log.Warn("store result artifact", zap.Error(err))
	} else {
		patch.OutputKey = &key
	}
	completed := model.JobCompleted
	full := 100.0
	step := "Completed"
	patch.Status, patch.Progress, patch.Step = &completed, &full, &step
	m.update(storeCtx, job.ID, patch)

	success := true
	aj.emit(model.Frame{JobID: job.ID, Progress: full, Step: step, Status: string(completed), Success: &success, Result: raw})
	log.Info("job completed")
}

func (m *Manager) finishWithError(storeCtx, runCtx context.Context, aj *activeJob, job model.Job, err error) {
	status := model.JobFailed
	if cause := context.Cause(runCtx); cause != nil && runCtx.Err() != nil {
		err = cause
		if errors.Is(cause, ErrCanceled) || errors.Is(cause, ErrLeaseExpired) || errors.Is(cause, ErrShutdown) {
			status = model.JobCanceled
		}
	}
	msg := err.Error()
	m.update(storeCtx, job.ID, model.JobPatch{Status: &status, Error: &msg})

	success := false
	aj.emit(model.Frame{JobID: job.ID, Status: string(status), Success: &success, Error: msg})
}

func (m *Manager) update(ctx context.Context, id string, patch model.JobPatch) {
	if err := m.jobs.UpdateJob(ctx, id, patch); err != nil {
		m.logger.Warn("update job", zap.String("job_id", id), zap.Error(err))
	}
}

// emit blocks until the subscriber takes the frame or detaches.
func (aj *activeJob) emit(frame model.Frame) {
	select {
	case aj.events <- frame:
	case <-aj.detached:
	}
}

func (m *Manager) watchLease(ctx context.Context, aj *activeJob) {
	defer m.wg.Done()
	interval := m.leaseTTL / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aj.mu.Lock()
			lapsed := time.Now().After(aj.leaseExpires)
			aj.mu.Unlock()
			if lapsed {
				m.logger.Warn("job lease lapsed, cancelling", zap.String("job_id", aj.id))
				aj.cancel(ErrLeaseExpired)
				return
			}
		}
	}
}

// RenewLease extends the job's lease by the configured TTL.
func (m *Manager) RenewLease(ctx context.Context, id string) (time.Time, error) {
	m.mu.Lock()
	aj, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		if _, err := m.jobs.GetJob(ctx, id); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, ErrJobFinished
	}

	expires := time.Now().UTC().Add(m.leaseTTL)
	aj.mu.Lock()
	aj.leaseExpires = expires
	aj.mu.Unlock()
	m.update(ctx, id, model.JobPatch{LeaseExpiresAt: &expires})
	return expires, nil
}

// Cancel stops a running job. The job records status "canceled".
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	aj, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		if _, err := m.jobs.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobFinished
	}
	aj.cancel(ErrCanceled)
	m.logger.Info("job cancel requested", zap.String("job_id", id))
	return nil
}

func (m *Manager) Status(ctx context.Context, id string) (model.Job, error) {
	return m.jobs.GetJob(ctx, id)
}

// Shutdown cancels every running job and waits for them to record their
// final status.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, aj := range m.active {
		aj.detach.Do(func() { close(aj.detached) })
		aj.cancel(ErrShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
