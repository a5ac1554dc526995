package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fcarbone/webtaskd/internal/artifacts"
	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/scheduler"
	"github.com/fcarbone/webtaskd/internal/session"
)

type submitTaskRequest struct {
	UserID      string `json:"user_id"`
	Instruction string `json:"instruction"`
	StepBudget  *int   `json:"step_budget"`
	TimeoutMS   *int64 `json:"timeout_ms"`
	KeepSession bool   `json:"keep_session"`
}

type artifactEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type taskResponse struct {
	TaskID         string          `json:"task_id"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Instruction    string          `json:"instruction"`
	Status         string          `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	StepsCompleted int             `json:"steps_completed"`
	StepBudget     int             `json:"step_budget"`
	TimeoutMS      int64           `json:"timeout_ms"`
	HasFiles       bool            `json:"has_files"`
	Artifacts      []artifactEntry `json:"artifacts,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

func toTaskResponse(t ledger.Task) taskResponse {
	out := taskResponse{
		TaskID:         t.ID,
		UserID:         t.UserID,
		SessionID:      t.SessionID,
		Instruction:    t.Instruction,
		Status:         string(t.Status),
		FailureReason:  string(t.FailureReason),
		StepsCompleted: t.StepsCompleted,
		StepBudget:     t.StepBudget,
		TimeoutMS:      t.Timeout.Milliseconds(),
		HasFiles:       len(t.Artifacts) > 0,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		LastActivityAt: t.LastActivityAt,
	}
	for _, ref := range t.Artifacts {
		out.Artifacts = append(out.Artifacts, artifactEntry{
			Name: ref.Name,
			URL:  "/v1/tasks/" + t.ID + "/artifacts/" + ref.Name,
		})
	}
	return out
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	budget := s.cfg.DefaultStepBudget
	if req.StepBudget != nil {
		budget = *req.StepBudget
	}
	timeout := s.cfg.DefaultTimeout
	if req.TimeoutMS != nil {
		timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}

	task, err := s.tasks.Submit(r.Context(), scheduler.SubmitRequest{
		UserID:      req.UserID,
		Instruction: req.Instruction,
		StepBudget:  budget,
		Timeout:     timeout,
		KeepSession: req.KeepSession,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidRequest) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, err := s.tasks.Cancel(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tasks, err := s.tasks.ListByUser(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"tasks":   out,
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := toTaskResponse(task)
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":   task.ID,
		"has_files": out.HasFiles,
		"artifacts": out.Artifacts,
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var handle artifacts.Handle
	for _, ref := range task.Artifacts {
		if ref.Name == name {
			handle = artifacts.Handle(ref.Handle)
			break
		}
	}
	if handle == "" {
		respondError(w, http.StatusNotFound, "artifact_not_found", "task has no artifact named "+name)
		return
	}

	data, err := s.blobs.Get(handle)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrInvalidName) {
			respondError(w, http.StatusNotFound, "artifact_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch {
	case strings.HasSuffix(name, ".json"):
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	if err := s.tasks.DeleteSession(r.Context(), userID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"deleted": true,
	})
}
