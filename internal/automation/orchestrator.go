// Package automation drives one process type through the queue handshake and
// a server-side job: join the queue, wait for position 0, stream the job's
// progress, and settle exactly once. In-flight state is persisted so a later
// invocation can resume by polling the job's status.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/client"
	"github.com/example/saleshub/api-go/internal/localstate"
	"github.com/example/saleshub/api-go/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("automation already running")
	ErrAborted        = errors.New("automation canceled")
	ErrReset          = errors.New("automation reset")
	ErrNoActiveRun    = errors.New("no automation in flight")
	ErrStalled        = errors.New("automation stalled")
	ErrTimedOut       = errors.New("automation timed out")
	ErrJobFailed      = errors.New("job failed")
)

// FailedError ends a run. Message is safe to show to the user.
type FailedError struct {
	Message string
	Err     error

	// keepEntry marks a failure the server never confirmed. The queue entry
	// and local state are kept so Resume or Cancel can settle it later.
	keepEntry bool
}

// Unconfirmed reports whether the job may still exist server-side.
func (e *FailedError) Unconfirmed() bool { return e.keepEntry }

func (e *FailedError) Error() string { return e.Message }
func (e *FailedError) Unwrap() error { return e.Err }

// Backend is the server surface the orchestrator needs; *client.Client
// satisfies it.
type Backend interface {
	JoinQueue(ctx context.Context, userID, userName, processType string) (client.QueueSnapshot, error)
	CheckStatus(ctx context.Context, userID string) (client.QueueSnapshot, error)
	LeaveQueue(ctx context.Context, userID string) (client.QueueSnapshot, error)
	StartJob(ctx context.Context, processType string, payload json.RawMessage) (*client.JobStream, error)
	JobStatus(ctx context.Context, jobID string) (model.JobStatusView, error)
	RenewLease(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
}

type Options struct {
	ProcessType string
	UserID      string
	Backend     Backend
	Store       localstate.Store
	Logger      *zap.Logger

	QueuePollInterval  time.Duration
	ResumePollInterval time.Duration
	StateTTL           time.Duration
	// Watchdog is nil for process types that run unguarded.
	Watchdog *Watchdog
	// LeaseInterval is the minimum spacing of lease renewals.
	LeaseInterval time.Duration

	Now func() time.Time
	// OnChange receives every state transition. It must not call Reset or
	// Cancel.
	OnChange func(State)
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	cancelRun context.CancelCauseFunc
	runDone   chan struct{}
	lastRenew time.Time
}

func New(opts Options) *Orchestrator {
	if opts.QueuePollInterval <= 0 {
		opts.QueuePollInterval = 3 * time.Second
	}
	if opts.ResumePollInterval <= 0 {
		opts.ResumePollInterval = 4 * time.Second
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = time.Hour
	}
	if opts.LeaseInterval <= 0 {
		opts.LeaseInterval = 10 * time.Second
	}
	if opts.Store == nil {
		opts.Store = localstate.NewMemory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:  opts,
		log:   opts.Logger.With(zap.String("process_type", opts.ProcessType)),
		state: State{Phase: PhaseIdle},
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start joins the queue, waits for this user's turn, runs the job and
// returns its final payload. It blocks until the run settles. If ctx ends
// first the run is detached: local state stays persisted for Resume and the
// server-side job keeps its queue entry.
func (o *Orchestrator) Start(ctx context.Context, userName string, payload json.RawMessage) (json.RawMessage, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		userName = model.DefaultUserName
	}
	return o.run(ctx, State{
		Phase:       PhaseJoiningQueue,
		IsLoading:   true,
		CurrentStep: "Joining queue",
		UserName:    userName,
		Payload:     payload,
	})
}

// Resume continues a persisted run younger than the state TTL. With a job id
// it polls the job's status; without one it re-enters the queue wait.
func (o *Orchestrator) Resume(ctx context.Context) (json.RawMessage, error) {
	st, ok := o.Persisted()
	if !ok {
		return nil, ErrNoActiveRun
	}
	if st.JobID != "" {
		st.Phase = PhaseRunning
		st.QueueInfo = nil
	} else {
		st.Phase = PhaseJoiningQueue
	}
	st.Error = ""
	return o.run(ctx, st)
}

// Cancel aborts the run: the backend job is cancelled, the queue entry is
// left and local state is cleared. Without a run in this process it aborts
// whatever run was persisted.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.cancelRun, o.runDone
	o.mu.Unlock()
	if cancel != nil {
		cancel(ErrAborted)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st, ok := o.Persisted()
	if !ok {
		return ErrNoActiveRun
	}
	o.teardown(ctx, st.JobID, true)
	o.settle(PhaseAborted, ErrAborted.Error(), nil)
	return nil
}

// Reset stops any run and clears local state without contacting the server.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	cancel, done := o.cancelRun, o.runDone
	o.mu.Unlock()
	if cancel != nil {
		cancel(ErrReset)
		<-done
	}
	o.clearPersisted()
	o.mu.Lock()
	o.state = State{Phase: PhaseIdle, Timestamp: o.opts.Now()}
	snap := o.state
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) run(ctx context.Context, initial State) (json.RawMessage, error) {
	o.mu.Lock()
	if o.cancelRun != nil {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	o.cancelRun, o.runDone = cancel, done
	o.lastRenew = time.Time{}
	o.mu.Unlock()

	defer func() {
		cancel(nil)
		o.mu.Lock()
		o.cancelRun, o.runDone = nil, nil
		o.mu.Unlock()
		close(done)
	}()

	o.update(func(s *State) bool {
		*s = initial
		return true
	})
	o.log.Info("automation started", zap.String("phase", string(initial.Phase)), zap.String("job_id", initial.JobID))

	result, err := o.drive(runCtx)
	return o.finish(ctx, runCtx, result, err)
}

func (o *Orchestrator) drive(ctx context.Context) (json.RawMessage, error) {
	if jobID := o.State().JobID; jobID != "" {
		return o.watchJob(ctx, jobID, nil)
	}
	if err := o.waitTurn(ctx); err != nil {
		return nil, err
	}
	return o.stream(ctx)
}

func (o *Orchestrator) finish(ctx, runCtx context.Context, result json.RawMessage, err error) (json.RawMessage, error) {
	if err == nil {
		o.teardown(ctx, "", false)
		o.settle(PhaseCompleted, "", result)
		o.log.Info("automation completed")
		return result, nil
	}

	jobID := o.State().JobID
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		var failed *FailedError
		switch {
		case errors.Is(cause, ErrReset):
			return nil, ErrReset
		case errors.Is(cause, ErrAborted):
			o.teardown(ctx, jobID, true)
			o.settle(PhaseAborted, ErrAborted.Error(), nil)
			o.log.Info("automation canceled", zap.String("job_id", jobID))
			return nil, ErrAborted
		case errors.As(cause, &failed):
			o.teardown(ctx, jobID, true)
			o.settle(PhaseFailed, failed.Message, nil)
			o.log.Warn("automation aborted by watchdog", zap.String("job_id", jobID), zap.Error(failed.Err))
			return nil, failed
		default:
			o.log.Info("automation detached", zap.String("job_id", jobID), zap.Error(cause))
			return nil, cause
		}
	}

	var failed *FailedError
	if !errors.As(err, &failed) {
		failed = &FailedError{Message: "Automation failed", Err: err}
	}
	if failed.keepEntry {
		o.log.Warn("automation failed, keeping queue entry", zap.String("job_id", jobID), zap.Error(err))
		o.settle(PhaseFailed, failed.Message, nil)
		return nil, failed
	}
	o.log.Warn("automation failed", zap.String("job_id", jobID), zap.Error(err))
	o.teardown(ctx, "", false)
	o.settle(PhaseFailed, failed.Message, nil)
	return nil, failed
}

// teardown performs the server-side cleanup of a settled run. It outlives
// the caller's context so a detaching caller cannot strand the queue entry.
func (o *Orchestrator) teardown(ctx context.Context, jobID string, cancelJob bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if cancelJob && jobID != "" {
		err := o.opts.Backend.CancelJob(ctx, jobID)
		if err != nil && !client.IsStatus(err, http.StatusConflict) && !client.IsStatus(err, http.StatusNotFound) {
			o.log.Warn("cancel job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if _, err := o.opts.Backend.LeaveQueue(ctx, o.opts.UserID); err != nil {
		o.log.Warn("leave queue", zap.Error(err))
	}
	o.clearPersisted()
}

func (o *Orchestrator) settle(phase Phase, message string, result json.RawMessage) {
	o.update(func(s *State) bool {
		s.Phase = phase
		s.IsLoading = false
		s.QueueInfo = nil
		s.Error = message
		s.Result = result
		switch phase {
		case PhaseCompleted:
			s.Progress = 100
			s.CurrentStep = "Completed"
		case PhaseAborted:
			s.CurrentStep = "Canceled"
		case PhaseFailed:
			s.CurrentStep = "Failed"
		}
		return true
	})
}

// update applies fn under the lock and, when fn reports a change, stamps,
// persists and publishes the new state.
func (o *Orchestrator) update(fn func(*State) bool) {
	o.mu.Lock()
	if !fn(&o.state) {
		o.mu.Unlock()
		return
	}
	o.state.Timestamp = o.opts.Now()
	snap := o.state
	o.mu.Unlock()

	o.persist(snap)
	o.notify(snap)
}

func (o *Orchestrator) notify(s State) {
	if o.opts.OnChange != nil {
		o.opts.OnChange(s)
	}
}
