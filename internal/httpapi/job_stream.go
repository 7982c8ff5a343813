package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/runner"
)

const jobIDHeader = "X-Job-Id"

type startJobRequest struct {
	ProcessType string          `json:"processType"`
	Payload     json.RawMessage `json:"payload"`
}

// handleStartJob starts a job and streams its frames as newline-delimited
// JSON until the terminal frame. If the client goes away the job keeps
// running; it can be followed through GET /v1/jobs/{id}.
func (s Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.ProcessType = strings.TrimSpace(req.ProcessType)
	if req.ProcessType == "" {
		writeErr(w, http.StatusBadRequest, errors.New("processType is required"))
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	sub, err := s.Runner.Start(r.Context(), req.ProcessType, req.Payload)
	switch {
	case errors.Is(err, runner.ErrUnknownProcess):
		writeErr(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, runner.ErrInvalidPayload):
		writeErr(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		s.logger().Error("start job", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, errors.New("could not start job"))
		return
	}
	defer sub.Detach()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(jobIDHeader, sub.JobID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			s.logger().Info("job stream client left", zap.String("job_id", sub.JobID))
			return
		case frame, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := enc.Encode(frame); err != nil {
				s.logger().Warn("write job frame", zap.String("job_id", sub.JobID), zap.Error(err))
				return
			}
			_ = rc.Flush()
		}
	}
}
