package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore keeps each session in <dir>/<id>.json guarded by a companion
// <id>.json.lock, so processes sharing dir see one another's writes.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewFileStore creates dir if needed
func NewFileStore(dir string, lockTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir, lockTimeout: lockTimeout, now: time.Now}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// withLock holds the key's lock for the duration of fn, never longer.
func (s *FileStore) withLock(ctx context.Context, id string, exclusive bool, fn func() error) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.path(id) + ".lock")
	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil || !locked {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to lock session %s: %w", id, err)
		}
		return ErrLockTimeout
	}
	defer fl.Unlock()

	return fn()
}

func (s *FileStore) read(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// write replaces the file atomically so an unlocked reader never sees a torn value
func (s *FileStore) write(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(sess.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// exists reports whether id has a session file. Callers check it before
// locking so that polls for unknown or resolved ids create no lock file.
func (s *FileStore) exists(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat session: %w", err)
	}
	return true, nil
}

// Get reads a session
func (s *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	if ok, err := s.exists(id); err != nil || !ok {
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	var sess *Session
	err := s.withLock(ctx, id, false, func() error {
		var err error
		sess, err = s.read(id)
		return err
	})
	return sess, err
}

// Put writes a session, stamping UpdatedAt
func (s *FileStore) Put(ctx context.Context, sess *Session) error {
	return s.withLock(ctx, sess.ID, true, func() error {
		now := s.now()
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = now
		}
		sess.UpdatedAt = now
		return s.write(sess)
	})
}

// Update applies fn to the stored session under the exclusive lock
func (s *FileStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	if ok, err := s.exists(id); err != nil || !ok {
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	var sess *Session
	err := s.withLock(ctx, id, true, func() error {
		current, err := s.read(id)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		current.ID = id
		current.UpdatedAt = s.now()
		if err := s.write(current); err != nil {
			return err
		}
		sess = current
		return nil
	})
	return sess, err
}

// Delete removes a session and its lock file
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if ok, err := s.exists(id); err != nil || !ok {
		return err
	}
	err := s.withLock(ctx, id, true, func() error {
		if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	os.Remove(s.path(id) + ".lock")
	return nil
}

// Sweep deletes session files whose modification time is older than maxAge,
// along with lock files of the same age that no longer have a session.
// Anything whose lock is busy is left for the next sweep.
func (s *FileStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".json.lock") {
			s.removeOrphanLock(strings.TrimSuffix(name, ".json.lock"), cutoff)
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if err := s.Delete(ctx, id); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// removeOrphanLock deletes <id>.json.lock when it is older than cutoff and
// the session file is gone. The lock is taken without waiting so a writer
// currently holding it keeps its file.
func (s *FileStore) removeOrphanLock(id string, cutoff time.Time) {
	lockPath := s.path(id) + ".lock"
	info, err := os.Stat(lockPath)
	if err != nil || !info.ModTime().Before(cutoff) {
		return
	}
	if _, err := os.Stat(s.path(id)); !errors.Is(err, os.ErrNotExist) {
		return
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return
	}
	defer fl.Unlock()

	if _, err := os.Stat(s.path(id)); errors.Is(err, os.ErrNotExist) {
		os.Remove(lockPath)
	}
}
