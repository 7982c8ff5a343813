package automation

import (
	"encoding/json"

	"go.uber.org/zap"
)

// persist saves an in-flight state. Failures are logged and swallowed.
func (o *Orchestrator) persist(s State) {
	if !s.IsLoading {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		o.log.Debug("encode automation state", zap.Error(err))
		return
	}
	if err := o.opts.Store.Set(stateKey(o.opts.ProcessType), raw); err != nil {
		o.log.Debug("persist automation state", zap.Error(err))
	}
	if s.JobID != "" {
		if err := o.opts.Store.Set(jobKey(o.opts.ProcessType), []byte(s.JobID)); err != nil {
			o.log.Debug("persist job id", zap.Error(err))
		}
	}
}

func (o *Orchestrator) clearPersisted() {
	for _, key := range []string{stateKey(o.opts.ProcessType), jobKey(o.opts.ProcessType)} {
		if err := o.opts.Store.Delete(key); err != nil {
			o.log.Debug("clear automation state", zap.String("key", key), zap.Error(err))
		}
	}
}

// Persisted loads the saved in-flight state. State older than the TTL, or
// unreadable, is discarded and reported as absent.
func (o *Orchestrator) Persisted() (State, bool) {
	raw, ok, err := o.opts.Store.Get(stateKey(o.opts.ProcessType))
	if err != nil {
		o.log.Debug("load automation state", zap.Error(err))
		return State{}, false
	}
	if !ok {
		return State{}, false
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil || !s.IsLoading || o.opts.Now().Sub(s.Timestamp) > o.opts.StateTTL {
		o.clearPersisted()
		return State{}, false
	}
	if id, ok, err := o.opts.Store.Get(jobKey(o.opts.ProcessType)); err == nil && ok {
		s.JobID = string(id)
	}
	return s, true
}
