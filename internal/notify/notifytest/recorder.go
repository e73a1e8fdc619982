// Package notifytest records notifications for assertions.
package notifytest

import (
	"context"
	"sync"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
)

// Sent is one recorded notification
type Sent struct {
	UserID int64
	Alias  string
	Kind   notify.Kind
	Data   notify.Data
}

// Recorder is a notify.Notifier that remembers every call
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Notify(_ context.Context, user *db.User, kind notify.Kind, data notify.Data) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Sent{Kind: kind, Data: data}
	if user != nil {
		s.UserID = user.ID
		s.Alias = user.Alias
	}
	r.sent = append(r.sent, s)
	return true
}

// All returns a copy of everything recorded
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Count returns how many notifications of kind were recorded
func (r *Recorder) Count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
