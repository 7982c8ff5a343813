package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/model"
)

func TestJoinAndCheckStatus(t *testing.T) {
	var gotBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/queue", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"position":1,"queue":[{"id":"e1","userId":"u1"},{"id":"e2","userId":"u 2"}]}`)
	})
	mux.HandleFunc("GET /api/queue", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u 2", r.URL.Query().Get("userId"))
		_, _ = io.WriteString(w, `{"position":0,"queue":[{"id":"e2","userId":"u 2"}]}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL+"/", nil)
	snap, err := c.JoinQueue(context.Background(), "u 2", "Bob", model.ProcessCoveragePlot)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Position)
	assert.Len(t, snap.Queue, 2)
	assert.Equal(t, map[string]string{"userId": "u 2", "userName": "Bob", "processType": model.ProcessCoveragePlot}, gotBody)

	snap, err = c.CheckStatus(context.Background(), "u 2")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Position)
}

func TestDegradedSnapshotComesWithError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"position":0,"queue":[],"error":"queue store unavailable"}`)
	}))
	defer ts.Close()

	snap, err := New(ts.URL, nil).JoinQueue(context.Background(), "u1", "", "")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Contains(t, err.Error(), "queue store unavailable")
	assert.Equal(t, "queue store unavailable", snap.Degraded)
	assert.NotNil(t, snap.Queue)
}

func TestStartJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProcessType string          `json:"processType"`
			Payload     json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.ProcessType != model.ProcessROMGenerator {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"unknown process type"}`)
			return
		}
		w.Header().Set(jobIDHeader, "job-1")
		_, _ = io.WriteString(w, `{"progress":0,"step":"Starting"}`+"\n")
	}))
	defer ts.Close()
	c := New(ts.URL, nil)

	stream, err := c.StartJob(context.Background(), model.ProcessROMGenerator, json.RawMessage(`{"address":"1 Main St"}`))
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "job-1", stream.JobID)
	raw, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Starting")

	_, err = c.StartJob(context.Background(), "Site Survey", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "unknown process type", apiErr.Message)
}

func TestJobCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`","status":"running","progress":55,"step":"Pricing"}`)
	})
	mux.HandleFunc("POST /v1/jobs/{id}/lease", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"job already finished"}`)
	})
	mux.HandleFunc("DELETE /v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"canceled":true}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	c := New(ts.URL, nil)

	view, err := c.JobStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, view.Status)
	assert.Equal(t, 55.0, view.Progress)

	err = c.RenewLease(context.Background(), "job-1")
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.EqualError(t, err, "server returned status 409: job already finished")

	assert.NoError(t, c.CancelJob(context.Background(), "job-1"))
}
