package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/example/saleshub/api-go/internal/client"
	"github.com/example/saleshub/api-go/internal/model"
)

// fakeBackend scripts the server side of a run.
type fakeBackend struct {
	mu sync.Mutex

	joinPos   int
	joinErr   error
	positions []int // successive CheckStatus answers; the last one repeats
	startErr  error
	write     func(w *io.PipeWriter)
	statuses  []model.JobStatusView // successive JobStatus answers; the last one repeats
	statusErr error
	noJobID   bool

	joins, checks, leaves, starts, polls, renews, cancels int
	payloads                                              []json.RawMessage
}

func (f *fakeBackend) JoinQueue(_ context.Context, _, _, _ string) (client.QueueSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	if f.joinErr != nil {
		return client.QueueSnapshot{}, f.joinErr
	}
	return client.QueueSnapshot{Position: f.joinPos}, nil
}

func (f *fakeBackend) CheckStatus(_ context.Context, _ string) (client.QueueSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := next(f.positions, f.checks)
	f.checks++
	return client.QueueSnapshot{Position: pos}, nil
}

func (f *fakeBackend) LeaveQueue(_ context.Context, _ string) (client.QueueSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return client.QueueSnapshot{Success: true}, nil
}

func (f *fakeBackend) StartJob(_ context.Context, _ string, payload json.RawMessage) (*client.JobStream, error) {
	f.mu.Lock()
	f.starts++
	f.payloads = append(f.payloads, payload)
	startErr, write, noJobID := f.startErr, f.write, f.noJobID
	f.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}
	pr, pw := io.Pipe()
	go write(pw)
	js := &client.JobStream{JobID: "job-1", Body: pr}
	if noJobID {
		js.JobID = ""
	}
	return js, nil
}

func (f *fakeBackend) JobStatus(_ context.Context, jobID string) (model.JobStatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return model.JobStatusView{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return model.JobStatusView{ID: jobID, Status: model.JobRunning}, nil
	}
	view := f.statuses[min(f.polls-1, len(f.statuses)-1)]
	view.ID = jobID
	return view, nil
}

func (f *fakeBackend) RenewLease(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return nil
}

func (f *fakeBackend) CancelJob(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeBackend) counts() (joins, leaves, starts, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves, f.starts, f.cancels
}

func (f *fakeBackend) script(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeClock is a manually advanced time source for the run clocks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func next(values []int, i int) int {
	if len(values) == 0 {
		return 0
	}
	return values[min(i, len(values)-1)]
}

func frame(progress float64, step string) string {
	return fmt.Sprintf(`{"jobId":"job-1","progress":%g,"step":%q,"status":"running"}`, progress, step)
}

const successFrame = `{"jobId":"job-1","progress":100,"status":"completed","success":true,"result":{"fileName":"ROM_1_Main_St.json"}}`

// lines writes each line then closes the stream.
func lines(ls ...string) func(*io.PipeWriter) {
	return func(w *io.PipeWriter) {
		for _, l := range ls {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return
			}
		}
		_ = w.Close()
	}
}

// hang writes each line then leaves the stream open.
func hang(ls ...string) func(*io.PipeWriter) {
	return func(w *io.PipeWriter) {
		for _, l := range ls {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return
			}
		}
	}
}

// ticking writes ever-increasing progress until the reader goes away.
func ticking(every time.Duration) func(*io.PipeWriter) {
	return func(w *io.PipeWriter) {
		for i := 1; ; i++ {
			if _, err := io.WriteString(w, frame(float64(i%100), "Pricing")+"\n"); err != nil {
				return
			}
			time.Sleep(every)
		}
	}
}

// changes records every published state.
type changes struct {
	mu     sync.Mutex
	states []State
}

func (c *changes) record(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *changes) phases() []Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Phase
	for _, s := range c.states {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

func (c *changes) count(phase Phase) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.states {
		if s.Phase == phase {
			n++
		}
	}
	return n
}

func (c *changes) positions() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, s := range c.states {
		if s.Phase == PhaseWaitingInQueue && s.QueueInfo != nil {
			if len(out) == 0 || out[len(out)-1] != s.QueueInfo.Position {
				out = append(out, s.QueueInfo.Position)
			}
		}
	}
	return out
}

func (c *changes) waitFor(pred func(State) bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, s := range c.states {
			if pred(s) {
				c.mu.Unlock()
				return true
			}
		}
		c.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
