// Package display merges the server queue with the processes this client
// knows it is running, for presentation.
package display

import (
	"encoding/json"
	"time"

	"github.com/example/saleshub/api-go/internal/localstate"
	"github.com/example/saleshub/api-go/internal/model"
)

const (
	DefaultMaxAge = 6 * time.Minute
	StatusRunning = "Running"

	activeProcessesKey = "activeProcesses"
)

// ActiveProcess is a process this client started. There is at most one per
// process type.
type ActiveProcess struct {
	ID          string    `json:"id"`
	ProcessType string    `json:"processType"`
	UserName    string    `json:"userName"`
	UserID      string    `json:"userId"`
	StartedAt   time.Time `json:"startedAt"`
}

type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	ProcessType string    `json:"processType"`
	JoinedAt    time.Time `json:"joinedAt"`
	Status      string    `json:"status"`
	Local       bool      `json:"local"`
}

// Merge lists local processes first, then server entries. Server entries of
// a locally active process type are suppressed, and anything older than
// maxAge is dropped regardless of source.
func Merge(server []model.QueueEntry, local []ActiveProcess, now time.Time, maxAge time.Duration) []Entry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	fresh := func(t time.Time) bool { return now.Sub(t) <= maxAge }

	out := make([]Entry, 0, len(server)+len(local))
	localTypes := make(map[string]struct{}, len(local))
	for _, p := range local {
		localTypes[p.ProcessType] = struct{}{}
		if !fresh(p.StartedAt) {
			continue
		}
		out = append(out, Entry{
			ID:          p.ID,
			UserID:      p.UserID,
			UserName:    p.UserName,
			ProcessType: p.ProcessType,
			JoinedAt:    p.StartedAt,
			Status:      StatusRunning,
			Local:       true,
		})
	}
	for _, e := range server {
		if _, ok := localTypes[e.ProcessType]; ok {
			continue
		}
		if !fresh(e.JoinedAt) {
			continue
		}
		out = append(out, Entry{
			ID:          e.ID,
			UserID:      e.UserID,
			UserName:    e.UserName,
			ProcessType: e.ProcessType,
			JoinedAt:    e.JoinedAt,
			Status:      e.Status,
		})
	}
	return out
}

// Registry persists the client's active processes.
type Registry struct {
	store localstate.Store
}

func NewRegistry(store localstate.Store) *Registry {
	return &Registry{store: store}
}

// List returns the recorded processes. Unreadable state reads as empty.
func (r *Registry) List() []ActiveProcess {
	raw, ok, err := r.store.Get(activeProcessesKey)
	if err != nil || !ok {
		return nil
	}
	var procs []ActiveProcess
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil
	}
	return procs
}

// Add records p, replacing any process of the same type.
func (r *Registry) Add(p ActiveProcess) error {
	procs := r.List()
	kept := procs[:0]
	for _, existing := range procs {
		if existing.ProcessType != p.ProcessType {
			kept = append(kept, existing)
		}
	}
	return r.save(append(kept, p))
}

func (r *Registry) Remove(processType string) error {
	procs := r.List()
	kept := procs[:0]
	for _, existing := range procs {
		if existing.ProcessType != processType {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return r.store.Delete(activeProcessesKey)
	}
	return r.save(kept)
}

func (r *Registry) save(procs []ActiveProcess) error {
	raw, err := json.Marshal(procs)
	if err != nil {
		return err
	}
	return r.store.Set(activeProcessesKey, raw)
}
