package api

import (
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/executor"
)

// LoginRequest starts a login session
type LoginRequest struct {
	Alias string `json:"alias" validate:"required,max=64"`
}

// LoginStartedResponse carries the session id to poll
type LoginStartedResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// TaskRequest represents a task creation/update request
type TaskRequest struct {
	UserID        int64  `json:"user_id" validate:"required,gt=0"`
	Name          string `json:"name" validate:"required,max=128"`
	PayloadConfig string `json:"payload_config" validate:"required"`
	CronExpr      string `json:"cron_expression"` // Empty for manual-only tasks
	Enabled       bool   `json:"is_active"`
}

// TemplateTaskRequest creates a task from a template plus overrides
type TemplateTaskRequest struct {
	TemplateID int64          `json:"template_id" validate:"required,gt=0"`
	UserID     int64          `json:"user_id" validate:"required,gt=0"`
	Name       string         `json:"name" validate:"required,max=128"`
	CronExpr   string         `json:"cron_expression"`
	Enabled    bool           `json:"is_active"`
	Overrides  map[string]any `json:"overrides"`
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Name          string     `json:"name"`
	PayloadConfig string     `json:"payload_config"`
	ThreadID      string     `json:"thread_id,omitempty"`
	CronExpr      string     `json:"cron_expression,omitempty"`
	Enabled       bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// RecordListResponse is one page of records
type RecordListResponse struct {
	Records []*db.Record `json:"records"`
	Total   int          `json:"total"`
	Skip    int          `json:"skip"`
	Limit   int          `json:"limit"`
}

// RecordStatusResponse is what a poller sees of one record
type RecordStatusResponse struct {
	RecordID     int64           `json:"record_id"`
	TaskID       int64           `json:"task_id"`
	Status       db.RecordStatus `json:"status"`
	Finished     bool            `json:"finished"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResponseText string          `json:"response_text,omitempty"`
	TriggerType  db.TriggerType  `json:"trigger_type"`
	CheckInTime  time.Time       `json:"check_in_time"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// BatchRequest lists the tasks of an admin batch run
type BatchRequest struct {
	TaskIDs []int64 `json:"task_ids" validate:"required,min=1,max=200,dive,gt=0"`
}

// BatchResponse wraps the batch summary
type BatchResponse struct {
	Message string `json:"message"`
	*executor.BatchSummary
}

// TemplateListResponse lists templates
type TemplateListResponse struct {
	Templates []*db.Template `json:"templates"`
	Total     int            `json:"total"`
}

// UserListResponse lists users
type UserListResponse struct {
	Users []*db.User `json:"users"`
	Total int        `json:"total"`
}

// RejectRequest optionally carries a reason shown to the rejected user
type RejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// SettingsResponse represents the admin webhook settings
type SettingsResponse struct {
	DiscordWebhook string `json:"discord_webhook"`
	SlackWebhook   string `json:"slack_webhook"`
}

// SettingsRequest represents a settings update request
type SettingsRequest struct {
	DiscordWebhook string `json:"discord_webhook" validate:"omitempty,url"`
	SlackWebhook   string `json:"slack_webhook" validate:"omitempty,url"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Leader  bool   `json:"scheduler_leader"`
	Jobs    int    `json:"scheduled_jobs"`
}
