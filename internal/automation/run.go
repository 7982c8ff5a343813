package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/client"
	"github.com/example/saleshub/api-go/internal/model"
	"github.com/example/saleshub/api-go/internal/progress"
)

// waitTurn joins the queue and polls until this user holds position 0.
func (o *Orchestrator) waitTurn(ctx context.Context) error {
	pos, err := o.join(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FailedError{Message: "Could not join the queue", Err: err}
	}
	o.setPosition(pos)
	if pos == 0 {
		return nil
	}

	ticker := time.NewTicker(o.opts.QueuePollInterval)
	defer ticker.Stop()
	for pos != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap, err := o.opts.Backend.CheckStatus(ctx, o.opts.UserID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Warn("check queue position", zap.Error(err))
			continue
		case snap.Degraded != "":
			o.log.Warn("queue unavailable", zap.String("error", snap.Degraded))
			continue
		case snap.Position < 0:
			o.log.Info("queue entry missing, rejoining")
			rejoined, err := o.join(ctx)
			if err != nil {
				o.log.Warn("rejoin queue", zap.Error(err))
				continue
			}
			pos = rejoined
		default:
			pos = snap.Position
		}
		o.setPosition(pos)
	}
	return nil
}

func (o *Orchestrator) join(ctx context.Context) (int, error) {
	snap, err := o.opts.Backend.JoinQueue(ctx, o.opts.UserID, o.State().UserName, o.opts.ProcessType)
	if err != nil {
		return -1, err
	}
	return snap.Position, nil
}

// setPosition records a queue position. Positions that arrive after the run
// has moved past the queue are stale and ignored.
func (o *Orchestrator) setPosition(pos int) {
	o.update(func(s *State) bool {
		if s.Phase != PhaseJoiningQueue && s.Phase != PhaseWaitingInQueue {
			return false
		}
		if pos == 0 {
			s.QueueInfo = &QueueInfo{Position: 0}
			return true
		}
		s.Phase = PhaseWaitingInQueue
		s.QueueInfo = &QueueInfo{Position: pos}
		s.CurrentStep = "Waiting in queue"
		return true
	})
}

// stream starts the job and follows its progress stream.
func (o *Orchestrator) stream(ctx context.Context) (json.RawMessage, error) {
	var payload json.RawMessage
	now := o.opts.Now()
	o.update(func(s *State) bool {
		s.Phase = PhaseRunning
		s.QueueInfo = nil
		s.Progress = 0
		s.CurrentStep = "Starting"
		s.StartedAt = now
		s.LastProgressAt = now
		payload = s.Payload
		return true
	})

	js, err := o.opts.Backend.StartJob(ctx, o.opts.ProcessType, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rejected(err) {
			return nil, &FailedError{Message: startFailureMessage(err), Err: err}
		}
		// The server may have created the job before the fault.
		return nil, &FailedError{Message: "Could not start the job", Err: err, keepEntry: true}
	}
	defer js.Body.Close()

	if js.JobID != "" {
		o.update(func(s *State) bool {
			s.JobID = js.JobID
			return true
		})
	}
	return o.watchJob(ctx, js.JobID, js.Body)
}

// rejected reports whether the server answered and refused the start.
func rejected(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError
}

func startFailureMessage(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return "Job rejected: " + apiErr.Message
	}
	return "Job rejected"
}

// watchJob follows a running job until it settles. body is the live progress
// stream, or nil when only status polling is possible. A stream fault that
// is not a confirmed job failure falls back to polling by job id.
func (o *Orchestrator) watchJob(ctx context.Context, jobID string, body io.Reader) (json.RawMessage, error) {
	now := o.opts.Now()
	o.update(func(s *State) bool {
		if !s.StartedAt.IsZero() {
			return false
		}
		s.StartedAt = now
		s.LastProgressAt = now
		return true
	})

	monCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		o.monitor(monCtx, jobID)
	}()
	defer func() {
		stopMonitor()
		<-monitorDone
	}()

	if body != nil {
		result, err := o.consume(ctx, jobID, body)
		switch {
		case err == nil:
			return result, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case progress.IsJobFailure(err):
			return nil, &FailedError{Message: err.Error(), Err: err}
		case jobID == "":
			return nil, &FailedError{Message: "Lost contact with the job", Err: err, keepEntry: true}
		}
		o.log.Warn("progress stream lost, polling job status", zap.String("job_id", jobID), zap.Error(err))
	}
	return o.poll(ctx, jobID)
}

func (o *Orchestrator) consume(ctx context.Context, jobID string, body io.Reader) (json.RawMessage, error) {
	var result json.RawMessage
	err := progress.Consume(ctx, body, progress.Handler{
		OnProgress: func(f model.Frame) {
			o.applyProgress(f.Progress, f.Step)
			o.renewLease(ctx, jobID, false)
		},
		OnComplete: func(f model.Frame) {
			result = f.Result
			if len(result) == 0 {
				result, _ = json.Marshal(f)
			}
		},
	})
	return result, err
}

// poll queries the job status until it is terminal.
func (o *Orchestrator) poll(ctx context.Context, jobID string) (json.RawMessage, error) {
	ticker := time.NewTicker(o.opts.ResumePollInterval)
	defer ticker.Stop()
	for {
		view, err := o.opts.Backend.JobStatus(ctx, jobID)
		switch {
		case err == nil:
			switch {
			case view.Status == model.JobCompleted:
				return view.Result, nil
			case view.Status.Terminal(), view.Status == "error":
				msg := view.Error
				if msg == "" {
					msg = "Job failed"
				}
				return nil, &FailedError{Message: msg, Err: ErrJobFailed}
			default:
				o.applyProgress(view.Progress, view.Step)
				o.renewLease(ctx, jobID, false)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case client.IsStatus(err, http.StatusNotFound):
			return nil, &FailedError{Message: "Job no longer exists", Err: err}
		default:
			o.log.Warn("poll job status", zap.String("job_id", jobID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// applyProgress records a progress observation while Running. Only a change
// of the progress value resets the stall clock.
func (o *Orchestrator) applyProgress(value float64, step string) {
	o.update(func(s *State) bool {
		if s.Phase != PhaseRunning {
			return false
		}
		if value != s.Progress {
			s.LastProgressAt = o.opts.Now()
		}
		s.Progress = value
		if step != "" {
			s.CurrentStep = step
		}
		return true
	})
}

// renewLease extends the job's server-side lease. Unforced renewals are
// spaced by LeaseInterval.
func (o *Orchestrator) renewLease(ctx context.Context, jobID string, force bool) {
	if jobID == "" {
		return
	}
	now := o.opts.Now()
	o.mu.Lock()
	if !force && now.Sub(o.lastRenew) < o.opts.LeaseInterval {
		o.mu.Unlock()
		return
	}
	o.lastRenew = now
	o.mu.Unlock()

	if err := o.opts.Backend.RenewLease(ctx, jobID); err != nil && ctx.Err() == nil {
		o.log.Debug("renew lease", zap.String("job_id", jobID), zap.Error(err))
	}
}

// abort cancels the current run with cause.
func (o *Orchestrator) abort(cause error) {
	o.mu.Lock()
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}
