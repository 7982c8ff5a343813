package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/example/saleshub/api-go/internal/model"
)

type queueListResponse struct {
	Queue []model.QueueEntry `json:"queue"`
	Error string             `json:"error,omitempty"`
}

type queuePositionResponse struct {
	Position int                `json:"position"`
	Queue    []model.QueueEntry `json:"queue"`
	Error    string             `json:"error,omitempty"`
}

type queueLeaveResponse struct {
	Success bool               `json:"success"`
	Queue   []model.QueueEntry `json:"queue"`
	Error   string             `json:"error,omitempty"`
}

type joinRequest struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ProcessType string `json:"processType"`
}

// publicErr hides store internals from API consumers.
func publicErr(err error) string {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return model.ErrStoreUnavailable.Error()
	}
	return err.Error()
}

// handleListQueue serves the ordered queue. With ?userId= it also reports
// that user's position (-1 when not queued). A store failure still answers
// 200 with an empty queue and an advisory error.
func (s Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
		pos, entries, err := s.Queue.Position(ctx, userID)
		resp := queuePositionResponse{Position: pos, Queue: entries}
		if err != nil {
			resp.Error = publicErr(err)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	entries, err := s.Queue.List(ctx)
	resp := queueListResponse{Queue: entries}
	if err != nil {
		resp.Error = publicErr(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, queuePositionResponse{Queue: []model.QueueEntry{}, Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, queuePositionResponse{Queue: []model.QueueEntry{}, Error: model.ErrMissingUserID.Error()})
		return
	}

	pos, entries, err := s.Queue.Join(r.Context(), req.UserID, req.UserName, req.ProcessType)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, queuePositionResponse{Position: 0, Queue: []model.QueueEntry{}, Error: publicErr(err)})
		return
	}
	writeJSON(w, http.StatusOK, queuePositionResponse{Position: pos, Queue: entries})
}

func (s Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, queueLeaveResponse{Queue: []model.QueueEntry{}, Error: model.ErrMissingUserID.Error()})
		return
	}
	entries, err := s.Queue.Leave(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, queueLeaveResponse{Success: false, Queue: []model.QueueEntry{}, Error: publicErr(err)})
		return
	}
	writeJSON(w, http.StatusOK, queueLeaveResponse{Success: true, Queue: entries})
}
