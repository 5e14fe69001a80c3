package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/conduitd/conduit/internal/engine"
	"github.com/conduitd/conduit/internal/scheduler"
)

// Handler serves the operational status API over the engine.
type Handler struct {
	engine *engine.Engine
	logger *logrus.Logger
}

// NewHandler creates a Handler.
func NewHandler(e *engine.Engine, logger *logrus.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthCheck reports liveness and scheduler state.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"scheduler_running": h.engine.SchedulerRunning(),
		"time":              time.Now().UTC(),
	})
}

// ListJobs returns every loaded job definition.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetJobs())
}

// GetJob returns one job with its last cached execution, if any.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	job, ok := h.engine.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	response := map[string]interface{}{"job": job}
	if last, ok := h.engine.LastExecution(id); ok {
		response["last_execution"] = last
	}
	writeJSON(w, http.StatusOK, response)
}

// ListScheduled returns the scheduled entries.
func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetScheduledJobs())
}

// ListRunning returns the in-flight executions.
func (h *Handler) ListRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetRunningJobs())
}

// RunJob triggers an immediate execution and returns its terminal
// record.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	exec, err := h.engine.ExecuteJobOnce(r.Context(), id)
	if err != nil {
		switch err {
		case scheduler.ErrAlreadyRunning, scheduler.ErrCapExceeded, scheduler.ErrShuttingDown:
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusNotFound, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// StartScheduler resumes timer firing.
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StartScheduler(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// StopScheduler pauses timer firing.
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.engine.StopScheduler()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
