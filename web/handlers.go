package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/propagation"
	"f0oster/idsync/provisioning"
	"f0oster/idsync/task"

	"github.com/go-chi/chi/v5"
)

type ExecuteResponse struct {
	Execution *task.Execution `json:"execution"`
}

type ReportRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ApprovalRequest struct {
	Approved bool `json:"approved"`
}

type ApprovalResponse struct {
	Object   *anyobject.AnyObject  `json:"object,omitempty"`
	Outcomes []propagation.Outcome `json:"outcomes,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, task.ErrExecutionNotFound),
		errors.Is(err, anyobject.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotRunning),
		errors.Is(err, task.ErrNotTerminal),
		errors.Is(err, provisioning.ErrNotPending):
		return http.StatusConflict
	case errors.As(err, new(*propagation.PropagationFailureError)):
		return http.StatusBadGateway
	case errors.Is(err, task.ErrNoRunner),
		errors.Is(err, task.ErrServiceStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, propagation.Sanitize(err.Error()))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.Store().ListTasks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filtered := tasks[:0]
		for _, tk := range tasks {
			if string(tk.Type) == t {
				filtered = append(filtered, tk)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSaveTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if t.Propagation != nil {
		writeError(w, http.StatusBadRequest, "propagation tasks are created by the engine")
		return
	}
	if err := s.tasks.Save(r.Context(), &t); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Store().GetTask(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.tasks.Running(key) {
		writeError(w, http.StatusConflict, "task has an execution in flight")
		return
	}
	if err := s.tasks.Store().DeleteTask(r.Context(), key); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dryRun"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dryRun")
			return
		}
		dryRun = parsed
	}
	exec, err := s.tasks.Execute(r.Context(), chi.URLParam(r, "key"), dryRun)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ExecuteResponse{Execution: exec})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.tasks.ListExecutions(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if execs == nil {
		execs = []*task.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.tasks.Store().GetExecution(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteExecution(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(chi.URLParam(r, "key")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	e, err := s.tasks.Report(r.Context(), chi.URLParam(r, "key"), req.Status, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.provisioner.Approve(r.Context(), chi.URLParam(r, "key"), req.Approved)
	if err != nil && res == nil {
		s.fail(w, r, err)
		return
	}
	out := ApprovalResponse{Object: res.Object, Outcomes: res.Outcomes}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		out.Error = propagation.Sanitize(err.Error())
	}
	writeJSON(w, status, out)
}
