package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LeaseManager owns the cross-process scheduler lock. At most one process
// per lock file holds it, for as long as the process lives.
type LeaseManager struct {
	lock   *flock.Flock
	leader bool
}

// NewLeaseManager creates a lease manager for the lock file at path
func NewLeaseManager(path string) *LeaseManager {
	return &LeaseManager{lock: flock.New(path)}
}

// Acquire tries the lock once without blocking. It reports whether this
// process is now the leader; losing the race is not an error.
func (l *LeaseManager) Acquire() (bool, error) {
	if l.leader {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lock.Path()), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	l.leader = ok
	return ok, nil
}

// IsLeader reports whether Acquire succeeded
func (l *LeaseManager) IsLeader() bool {
	return l.leader
}

// Release gives up leadership
func (l *LeaseManager) Release() error {
	if !l.leader {
		return nil
	}
	l.leader = false
	return l.lock.Unlock()
}
