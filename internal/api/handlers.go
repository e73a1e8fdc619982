package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/scheduler"
	"github.com/kylemclaren/checkin-tasks/internal/upstream"
	"github.com/kylemclaren/checkin-tasks/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: version.Version,
	}
	if s.scheduler != nil {
		resp.Leader = s.scheduler.IsLeader()
		resp.Jobs = len(s.scheduler.JobIDs())
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*db.Task
		err   error
	)
	if userStr := r.URL.Query().Get("user_id"); userStr != "" {
		userID, perr := strconv.ParseInt(userStr, 10, 64)
		if perr != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid user ID", perr)
			return
		}
		tasks, err = s.db.ListTasksByUser(userID)
	} else {
		tasks, err = s.db.ListTasks()
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(tasks)),
		Total: len(tasks),
	}
	for i, task := range tasks {
		response.Tasks[i] = s.taskToResponse(task)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	task := &db.Task{
		UserID:        req.UserID,
		Name:          req.Name,
		PayloadConfig: req.PayloadConfig,
		CronExpr:      req.CronExpr,
		Enabled:       req.Enabled,
	}
	if err := s.db.CreateTask(task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task", err)
		return
	}

	s.reconcile(task.ID)
	s.jsonResponse(w, http.StatusCreated, s.taskToResponse(task))
}

// CreateTaskFromTemplate handles POST /api/v1/tasks/from-template
func (s *Server) CreateTaskFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, describeValidation(err), nil)
		return
	}

	tpl, err := s.db.GetTemplate(req.TemplateID)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Template not found", err)
		return
	}

	payload, err := upstream.Merge(tpl.PayloadConfig, req.Overrides)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	taskReq := TaskRequest{
		UserID:        req.UserID,
		Name:          req.Name,
		PayloadConfig: payload,
		CronExpr:      req.CronExpr,
		Enabled:       req.Enabled,
	}
	if err := s.validateTaskRequest(&taskReq); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	task := &db.Task{
		UserID:        taskReq.UserID,
		Name:          taskReq.Name,
		PayloadConfig: taskReq.PayloadConfig,
		CronExpr:      taskReq.CronExpr,
		Enabled:       taskReq.Enabled,
	}
	if err := s.db.CreateTask(task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task", err)
		return
	}

	s.reconcile(task.ID)
	s.jsonResponse(w, http.StatusCreated, s.taskToResponse(task))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task))
}

// UpdateTask handles PUT /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	// Ownership does not change on update
	req.UserID = task.UserID

	if err := s.validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	// Update task fields
	task.Name = req.Name
	task.PayloadConfig = req.PayloadConfig
	task.CronExpr = req.CronExpr
	task.Enabled = req.Enabled

	if err := s.db.UpdateTask(task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update task", err)
		return
	}

	s.reconcile(task.ID)
	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	// Check task exists
	if _, err := s.db.GetTask(id); err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	// Remove from scheduler first
	if s.scheduler != nil {
		s.scheduler.RemoveJob(id)
	}

	if err := s.db.DeleteTask(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// ToggleTask handles POST /api/v1/tasks/{id}/toggle
func (s *Server) ToggleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.ToggleTask(id)
	if err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	s.reconcile(task.ID)
	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task))
}

// CheckIn handles POST /api/v1/tasks/{id}/check-in
func (s *Server) CheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	result, err := s.executor.Dispatch(r.Context(), task, db.TriggerManual)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to start check-in", err)
		return
	}

	status := http.StatusAccepted
	if result.Status.IsTerminal() {
		status = http.StatusOK
	}
	s.jsonResponse(w, status, result)
}

// ListTemplates handles GET /api/v1/templates
func (s *Server) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.db.ListTemplates()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch templates", err)
		return
	}
	if templates == nil {
		templates = []*db.Template{}
	}
	s.jsonResponse(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

// GetTemplate handles GET /api/v1/templates/{id}
func (s *Server) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid template ID", err)
		return
	}

	tpl, err := s.db.GetTemplate(id)
	if err != nil {
		s.notFoundOr500(w, "Template not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, tpl)
}

// GetSettings handles GET /api/v1/settings
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	discord, slack := s.db.AdminWebhooks()

	s.jsonResponse(w, http.StatusOK, SettingsResponse{
		DiscordWebhook: discord,
		SlackWebhook:   slack,
	})
}

// UpdateSettings handles PUT /api/v1/settings
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, describeValidation(err), nil)
		return
	}

	if err := s.db.SetSetting(db.SettingDiscordWebhook, req.DiscordWebhook); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update settings", err)
		return
	}
	if err := s.db.SetSetting(db.SettingSlackWebhook, req.SlackWebhook); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update settings", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SettingsResponse(req))
}

// Helper functions

// reconcile brings the task's cron job in line with the stored task. On a
// follower process this is a no-op and the leader's resync picks it up.
func (s *Server) reconcile(taskID int64) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.ReconcileOne(taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to reconcile task schedule")
	}
}

func (s *Server) taskToResponse(task *db.Task) TaskResponse {
	resp := TaskResponse{
		ID:            task.ID,
		UserID:        task.UserID,
		Name:          task.Name,
		PayloadConfig: task.PayloadConfig,
		CronExpr:      task.CronExpr,
		Enabled:       task.Enabled,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}
	if tid, err := upstream.ThreadID(task.PayloadConfig); err == nil {
		resp.ThreadID = tid
	}
	if s.scheduler != nil {
		resp.NextRunAt = s.scheduler.NextRun(task.ID)
	}
	if last, err := s.db.GetLatestRecord(task.ID); err == nil {
		resp.LastStatus = string(last.Status)
	}
	return resp
}

func (s *Server) validateTaskRequest(req *TaskRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return validationError(describeValidation(err))
	}
	if _, err := upstream.ThreadID(req.PayloadConfig); err != nil {
		return validationError(err.Error())
	}
	// CronExpr is empty for manual-only tasks
	if req.CronExpr != "" {
		if err := scheduler.ValidateCron(req.CronExpr); err != nil {
			return errInvalidCron
		}
	}
	if _, err := s.db.GetUser(req.UserID); err != nil {
		return errUnknownUser
	}
	return nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  errorCodes[status],
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}

// notFoundOr500 maps db.ErrNotFound to 404 and anything else to 500
func (s *Server) notFoundOr500(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, message, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, "Internal error", err)
}

var errorCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusTooManyRequests:     "rate_limited",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "unavailable",
}

// describeValidation turns validator errors into one readable line
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a valid URL"
	default:
		return fe.Field() + " is invalid (" + fe.Tag() + ")"
	}
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errInvalidCron validationError = "Invalid cron expression"
	errUnknownUser validationError = "User not found"
)
