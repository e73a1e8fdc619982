package scheduler

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/logging"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/notify/notifytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingRunner) RunScheduled(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, taskID)
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newTask(t *testing.T, database *db.DB, userID int64, cronExpr string, enabled bool) *db.Task {
	t.Helper()
	task := &db.Task{UserID: userID, Name: "task", PayloadConfig: `{"ThreadId":"t"}`, Enabled: enabled, CronExpr: cronExpr}
	require.NoError(t, database.CreateTask(task))
	return task
}

func newOwner(t *testing.T, database *db.DB) *db.User {
	t.Helper()
	u := &db.User{Alias: "owner", JWTSub: "sub-owner"}
	require.NoError(t, database.CreateUser(u))
	return u
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("30 8 * * *"))
	assert.NoError(t, ValidateCron("0 20 * * 1-5"))
	assert.Error(t, ValidateCron(""))
	assert.Error(t, ValidateCron("not a cron"))
	assert.Error(t, ValidateCron("0 0 8 * * *"), "six fields are rejected")
}

func TestReconcileAllIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	good := newTask(t, database, owner.ID, "30 8 * * *", true)
	newTask(t, database, owner.ID, "bogus", true)
	newTask(t, database, owner.ID, "0 9 * * *", false)
	newTask(t, database, owner.ID, "", true)

	s := New(database, &recordingRunner{}, true, time.UTC, logging.Discard())

	n, err := s.ReconcileAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{JobID(good.ID)}, s.JobIDs())

	n, err = s.ReconcileAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"task_" + strconv.FormatInt(good.ID, 10)}, s.JobIDs())

	require.NoError(t, database.DeleteTask(good.ID))
	n, err = s.ReconcileAll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcileOneFollowsMutations(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "30 8 * * *", true)

	s := New(database, &recordingRunner{}, true, time.UTC, logging.Discard())
	require.NoError(t, s.ReconcileOne(task.ID))
	assert.Len(t, s.JobIDs(), 1)

	next := s.NextRun(task.ID)
	require.NotNil(t, next)
	assert.Equal(t, 8, next.Hour())
	assert.Equal(t, 30, next.Minute())

	task.CronExpr = "15 20 * * *"
	require.NoError(t, database.UpdateTask(task))
	require.NoError(t, s.ReconcileOne(task.ID))
	next = s.NextRun(task.ID)
	require.NotNil(t, next)
	assert.Equal(t, 20, next.Hour())

	_, err := database.ToggleTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, s.ReconcileOne(task.ID))
	assert.Empty(t, s.JobIDs())
	assert.Nil(t, s.NextRun(task.ID))

	_, err = database.ToggleTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, s.ReconcileOne(task.ID))
	assert.Len(t, s.JobIDs(), 1)

	require.NoError(t, database.DeleteTask(task.ID))
	require.NoError(t, s.ReconcileOne(task.ID))
	assert.Empty(t, s.JobIDs())
}

func TestRemoveJob(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "0 7 * * *", true)

	s := New(database, &recordingRunner{}, true, time.UTC, logging.Discard())
	_, err := s.ReconcileAll()
	require.NoError(t, err)

	s.RemoveJob(task.ID)
	s.RemoveJob(task.ID)
	assert.Empty(t, s.JobIDs())
}

func TestFollowerIsNoOp(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "30 8 * * *", true)

	s := New(database, &recordingRunner{}, false, time.UTC, logging.Discard())
	assert.False(t, s.IsLeader())
	require.NoError(t, s.Start())

	n, err := s.ReconcileAll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, s.ReconcileOne(task.ID))
	s.AddSystemJob("sweep", time.Minute, func() {})
	assert.Empty(t, s.JobIDs())
	assert.Nil(t, s.NextRun(task.ID))
	s.Stop()
}

func TestTriggerInvokesRunner(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "0 20 * * *", true)

	runner := &recordingRunner{}
	s := New(database, runner, true, time.UTC, logging.Discard())
	require.NoError(t, s.ReconcileOne(task.ID))

	entry := s.cron.Entry(s.jobs[task.ID])
	entry.WrappedJob.Run()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []int64{task.ID}, runner.ids)
}

func TestStartAndStop(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "0 20 * * *", true)

	s := New(database, &recordingRunner{}, true, time.UTC, logging.Discard())
	s.SetResyncInterval(10 * time.Millisecond)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	// A task added behind the synchronizer's back is picked up by the resync loop.
	other := newTask(t, database, owner.ID, "0 21 * * *", true)
	require.Eventually(t, func() bool { return len(s.JobIDs()) == 2 }, 2*time.Second, 10*time.Millisecond)

	next := s.NextRun(task.ID)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
	assert.NotNil(t, s.NextRun(other.ID))

	s.Stop()
	s.Stop()
}

func TestLeaseIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "scheduler.lock")
	first := NewLeaseManager(path)
	second := NewLeaseManager(path)

	ok, err := first.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.IsLeader())

	ok, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, second.IsLeader())

	require.NoError(t, first.Release())
	ok, err = second.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}

type fakeSweeper struct {
	maxAge time.Duration
	calls  int
}

func (f *fakeSweeper) SweepSessions(_ context.Context, maxAge time.Duration) (int, error) {
	f.calls++
	f.maxAge = maxAge
	return 3, nil
}

func TestSweepSessions(t *testing.T) {
	database := newTestDB(t)
	sweeper := &fakeSweeper{}
	m := NewMaintenance(database, sweeper, nil, logging.Discard(), MaintenanceOptions{SessionMaxAge: 2 * time.Hour})

	cleaned := 0
	m.OnSweep(func() { cleaned++ })

	assert.Equal(t, 3, m.SweepSessions())
	assert.Equal(t, 2*time.Hour, sweeper.maxAge)
	assert.Equal(t, 1, cleaned)
}

func TestScanCredentialsNotifiesOncePerThreshold(t *testing.T) {
	database := newTestDB(t)
	now := time.Now()
	mk := func(alias string, exp time.Time) *db.User {
		u := &db.User{Alias: alias, JWTSub: "sub-" + alias, Authorization: "tok", JWTExp: strconv.FormatInt(exp.Unix(), 10)}
		require.NoError(t, database.CreateUser(u))
		return u
	}
	soon := mk("soon", now.Add(10*time.Minute))
	mk("gone", now.Add(-time.Hour))
	mk("fine", now.Add(48*time.Hour))
	require.NoError(t, database.CreateUser(&db.User{Alias: "blank", JWTSub: "sub-blank"}))

	rec := &notifytest.Recorder{}
	m := NewMaintenance(database, nil, rec, logging.Discard(), MaintenanceOptions{ExpiringWindow: 30 * time.Minute})
	m.now = func() time.Time { return now }

	expiring, expired := m.ScanCredentials()
	assert.Equal(t, 1, expiring)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, rec.Count(notify.KindTokenExpiring))
	assert.Equal(t, 1, rec.Count(notify.KindTokenExpired))

	expiring, expired = m.ScanCredentials()
	assert.Zero(t, expiring)
	assert.Zero(t, expired)

	// Renewal re-arms both flags.
	require.NoError(t, database.UpdateCredential(soon.ID, "tok2", strconv.FormatInt(now.Add(5*time.Minute).Unix(), 10)))
	expiring, _ = m.ScanCredentials()
	assert.Equal(t, 1, expiring)
	assert.Equal(t, 2, rec.Count(notify.KindTokenExpiring))
}

func TestPurgeUnapproved(t *testing.T) {
	database := newTestDB(t)
	pending := &db.User{Alias: "pending", JWTSub: "sub-p"}
	require.NoError(t, database.CreateUser(pending))
	approved := &db.User{Alias: "approved", JWTSub: "sub-a"}
	require.NoError(t, database.CreateUser(approved))
	require.NoError(t, database.ApproveUser(approved.ID))

	m := NewMaintenance(database, nil, nil, logging.Discard(), MaintenanceOptions{UnapprovedMaxAge: 24 * time.Hour})
	assert.Equal(t, 0, m.PurgeUnapproved())

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.Equal(t, 1, m.PurgeUnapproved())

	_, err := database.GetUser(pending.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = database.GetUser(approved.ID)
	assert.NoError(t, err)
}

func TestFailStaleRecords(t *testing.T) {
	database := newTestDB(t)
	owner := newOwner(t, database)
	task := newTask(t, database, owner.ID, "", true)
	rec := &db.Record{TaskID: task.ID, TriggerType: db.TriggerScheduled}
	require.NoError(t, database.CreateRecord(rec))

	m := NewMaintenance(database, nil, nil, logging.Discard(), MaintenanceOptions{})
	assert.Equal(t, int64(0), m.FailStaleRecords())

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, int64(1), m.FailStaleRecords())

	got, err := database.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RecordStatusFailure, got.Status)
	assert.Equal(t, MessageInterrupted, got.ErrorMessage)
}
