// Package sessionstore persists ephemeral login sessions. The store is the
// only channel between the worker driving a login and the processes
// polling it, so every backend must be safe for concurrent readers and a
// writer in another process.
package sessionstore

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when no session exists under an id
	ErrNotFound = errors.New("session not found")
	// ErrLockTimeout is returned when a session lock cannot be acquired in time
	ErrLockTimeout = errors.New("timed out acquiring session lock")
	// ErrInvalidID is returned for ids that cannot be used as a storage key
	ErrInvalidID = errors.New("invalid session id")
)

// Status is a login session state
type Status string

const (
	StatusPending     Status = "pending"
	StatusWaitingScan Status = "waiting_scan"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Session is one login attempt
type Session struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Step     string `json:"step,omitempty"`
	Alias    string `json:"alias,omitempty"`
	JWTSub   string `json:"jwt_sub,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
	QRImage  string `json:"qr_image_data,omitempty"`
	// Token is the raw credential captured from the browser.
	Token     string `json:"token,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	IsNewUser bool   `json:"is_new_user,omitempty"`
	// Committing is set while the captured credential is written to the
	// user table. Cancellation is refused from then on.
	Committing bool      `json:"committing,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the session persistence contract. Update runs fn on the current
// value under the key's lock and writes the result back; if fn returns an
// error nothing is written and Update returns that error.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	// Sweep removes sessions last written before now-maxAge, whatever their state.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID rejects ids that could escape the storage directory
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}
