package devhub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type exportJob struct {
	ID        string
	ProjectID string
	UserID    string
	StartedAt time.Time

	timer *time.Timer
	done  chan struct{}

	mu          sync.Mutex
	status      string
	downloadURL string
}

func (j *exportJob) complete(downloadURL string) {
	j.mu.Lock()
	j.status = "succeeded"
	j.downloadURL = downloadURL
	j.mu.Unlock()
	close(j.done)
}

func (j *exportJob) result() (string, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.downloadURL
}

func (s *Server) handleCreateExport(w http.ResponseWriter, q request, projectID string) {
	if !s.state.canJoin(projectID, q.claims.UserID) {
		writeStateError(w, ErrForbidden, q.correlationID)
		return
	}
	job := &exportJob{
		ID:        "job_" + uuid.NewString(),
		ProjectID: projectID,
		UserID:    q.claims.UserID,
		StartedAt: s.now().UTC(),
		done:      make(chan struct{}),
		status:    "running",
	}
	downloadURL := fmt.Sprintf("/v1/exports/%s.xlsx", job.ID)
	job.timer = time.AfterFunc(s.cfg.JobDuration, func() { job.complete(downloadURL) })

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
	s.logger.Info("export job started", zap.String("job_id", job.ID), zap.String("project_id", projectID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleJobEvents streams a job's lifecycle as server-sent events: one started
// event right away and one completed event when the job finishes.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	claims, authErr := parseToken(r.URL.Query().Get("token"), s.cfg.Secret, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.jobsMu.Lock()
	job, ok := s.jobs[jobID]
	s.jobsMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found", getCorrelationID(r))
		return
	}
	if job.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "job belongs to another user", getCorrelationID(r))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "started", map[string]any{
		"job_id":     job.ID,
		"project_id": job.ProjectID,
		"kind":       "export",
	})
	flusher.Flush()

	select {
	case <-r.Context().Done():
		return
	case <-job.done:
	}
	status, downloadURL := job.result()
	writeSSE(w, "completed", map[string]any{
		"job_id":       job.ID,
		"project_id":   job.ProjectID,
		"status":       status,
		"download_url": downloadURL,
	})
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\n")
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, _ = w.Write([]byte(b.String()))
}
