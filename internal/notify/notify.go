// Package notify delivers user and admin notifications. Delivery is fire
// and forget: failures are logged and reported as false, never returned.
package notify

import (
	"context"

	"github.com/kylemclaren/checkin-tasks/internal/db"
)

// Kind names a notification
type Kind string

const (
	KindNewUserRegistration Kind = "new_user_registration"
	KindUserApproved        Kind = "user_approved"
	KindUserRejected        Kind = "user_rejected"
	KindTokenExpiring       Kind = "token_expiring"
	KindTokenExpired        Kind = "token_expired"
	KindCheckInResult       Kind = "check_in_result"
)

// AdminFacing reports whether kind is addressed to administrators rather
// than to the user it concerns.
func (k Kind) AdminFacing() bool {
	return k == KindNewUserRegistration
}

// Data carries kind-specific values (task name, status, remaining time ...)
type Data map[string]any

// Notifier sends one notification about user. It returns whether at least
// one channel accepted it.
type Notifier interface {
	Notify(ctx context.Context, user *db.User, kind Kind, data Data) bool
}

// Nop drops everything
type Nop struct{}

func (Nop) Notify(context.Context, *db.User, Kind, Data) bool { return false }
