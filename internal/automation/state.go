package automation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/saleshub/api-go/internal/localstate"
)

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseJoiningQueue   Phase = "joining_queue"
	PhaseWaitingInQueue Phase = "waiting_in_queue"
	PhaseRunning        Phase = "running"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseAborted        Phase = "aborted"
)

// Active reports whether a run is in flight in this phase.
func (p Phase) Active() bool {
	switch p {
	case PhaseJoiningQueue, PhaseWaitingInQueue, PhaseRunning:
		return true
	}
	return false
}

type QueueInfo struct {
	Position int `json:"position"`
}

// State is the orchestrator snapshot. While a run is in flight it is
// persisted under the process type's state key; the job id is kept under its
// own key as the resumption token.
type State struct {
	Phase       Phase           `json:"phase"`
	IsLoading   bool            `json:"isLoading"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"currentStep"`
	Error       string          `json:"error"`
	QueueInfo   *QueueInfo      `json:"queueInfo"`
	UserName    string          `json:"userName,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"-"`
	JobID       string          `json:"-"`
	Timestamp   time.Time       `json:"timestamp"`
	// StartedAt and LastProgressAt anchor the watchdog. They survive a
	// reload so a resumed job keeps its original limits.
	StartedAt      time.Time `json:"startedAt"`
	LastProgressAt time.Time `json:"lastProgressAt"`
}

const userIDKey = "userId"

func stateKey(processType string) string { return "automation:" + processType }
func jobKey(processType string) string   { return "automation:" + processType + ":jobId" }

// EnsureUserID returns the cached client identity, generating and caching one
// on first use. A store failure still yields a usable, uncached id.
func EnsureUserID(store localstate.Store) string {
	if raw, ok, err := store.Get(userIDKey); err == nil && ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	_ = store.Set(userIDKey, []byte(id))
	return id
}
