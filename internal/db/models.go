package db

import "time"

// User is a registered account and doubles as its credential registry entry:
// the bearer credential, its expiry and the two one-shot notification flags.
type User struct {
	ID                    int64     `json:"id"`
	JWTSub                string    `json:"jwt_sub"`
	Alias                 string    `json:"alias"`
	Email                 string    `json:"email,omitempty"`
	PasswordHash          string    `json:"-"`
	Authorization         string    `json:"-"`
	JWTExp                string    `json:"jwt_exp"`
	TokenExpiringNotified bool      `json:"token_expiring_notified"`
	TokenExpiredNotified  bool      `json:"token_expired_notified"`
	Role                  Role      `json:"role"`
	IsApproved            bool      `json:"is_approved"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Role of a user account
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// JWTExpUnset is stored when no credential expiry is known
const JWTExpUnset = "0"

// Task is a user-owned check-in definition
type Task struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Name          string    `json:"name"`
	PayloadConfig string    `json:"payload_config"`
	Enabled       bool      `json:"is_active"`
	CronExpr      string    `json:"cron_expression,omitempty"` // empty: manual only
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasSchedule reports whether the task carries a cron expression at all
func (t *Task) HasSchedule() bool {
	return t.CronExpr != ""
}

// Template is a reusable payload a task can be created from
type Template struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	PayloadConfig string    `json:"payload_config"`
	CreatedAt     time.Time `json:"created_at"`
}

// Record is the outcome of one dispatch
type Record struct {
	ID           int64        `json:"id"`
	TaskID       int64        `json:"task_id"`
	Status       RecordStatus `json:"status"`
	ResponseText string       `json:"response_text"`
	ErrorMessage string       `json:"error_message"`
	Location     string       `json:"location"`
	TriggerType  TriggerType  `json:"trigger_type"`
	CheckInTime  time.Time    `json:"check_in_time"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// RecordStatus is the lifecycle state of a record
type RecordStatus string

const (
	RecordStatusPending      RecordStatus = "pending"
	RecordStatusSuccess      RecordStatus = "success"
	RecordStatusFailure      RecordStatus = "failure"
	RecordStatusOutOfTime    RecordStatus = "out_of_time"
	RecordStatusTokenExpired RecordStatus = "token_expired"
	RecordStatusUnknown      RecordStatus = "unknown"
)

// IsTerminal reports whether the status can no longer change
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordStatusSuccess, RecordStatusFailure, RecordStatusOutOfTime, RecordStatusTokenExpired, RecordStatusUnknown:
		return true
	}
	return false
}

// TriggerType says what caused a dispatch
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAdmin     TriggerType = "admin"
)

// Valid reports whether t is a known trigger type
func (t TriggerType) Valid() bool {
	return t == TriggerManual || t == TriggerScheduled || t == TriggerAdmin
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	TaskID      int64
	UserID      int64
	Status      RecordStatus
	TriggerType TriggerType
	Skip        int
	Limit       int
}
