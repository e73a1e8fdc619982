// Package scheduler keeps one cron job per schedulable task in step with the
// database. Only the process holding the scheduler lease runs jobs; in every
// other process the Synchronizer accepts calls and does nothing.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a five-field cron expression
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("cron expression is empty")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// JobID is the key a task's job is known by
func JobID(taskID int64) string {
	return "task_" + strconv.FormatInt(taskID, 10)
}

// Runner is invoked when a task's trigger fires
type Runner interface {
	RunScheduled(taskID int64)
}

// Synchronizer manages cron jobs for tasks
type Synchronizer struct {
	cron      *cron.Cron
	db        *db.DB
	runner    Runner
	leader    bool
	jobs      map[int64]cron.EntryID
	cronExprs map[int64]string // Track cron expressions to detect changes
	system    map[string]cron.EntryID
	mu        sync.RWMutex
	running   bool
	stopSync  chan struct{}
	resync    time.Duration
	logger    logrus.FieldLogger
}

// New creates a Synchronizer. leader comes from the LeaseManager; a
// follower never starts cron and ignores every mutation.
func New(database *db.DB, runner Runner, leader bool, loc *time.Location, logger logrus.FieldLogger) *Synchronizer {
	if loc == nil {
		loc = time.Local
	}
	log := logger.WithField("component", "scheduler")
	return &Synchronizer{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		db:        database,
		runner:    runner,
		leader:    leader,
		jobs:      make(map[int64]cron.EntryID),
		cronExprs: make(map[int64]string),
		system:    make(map[string]cron.EntryID),
		stopSync:  make(chan struct{}),
		logger:    log,
	}
}

// IsLeader reports whether this process runs the scheduler
func (s *Synchronizer) IsLeader() bool {
	return s.leader
}

// SetResyncInterval enables a periodic ReconcileAll while running, so
// that mutations committed by follower processes reach the leader.
func (s *Synchronizer) SetResyncInterval(d time.Duration) {
	s.resync = d
}

// Start loads every eligible task and starts cron. A no-op on followers.
func (s *Synchronizer) Start() error {
	if !s.leader {
		s.logger.Info("Not the scheduler leader, running without jobs")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	n, err := s.ReconcileAll()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	s.mu.Lock()
	s.cron.Start()
	s.running = true
	s.mu.Unlock()

	if s.resync > 0 {
		go s.syncLoop()
	}
	s.logger.WithField("jobs", n).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopSync)

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSystemJob registers a fixed-interval job under name, replacing any
// job of the same name. A no-op on followers.
func (s *Synchronizer) AddSystemJob(name string, every time.Duration, fn func()) {
	if !s.leader || every <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.system[name]; ok {
		s.cron.Remove(id)
	}
	s.system[name] = s.cron.Schedule(cron.Every(every), cron.FuncJob(fn))
	s.logger.WithFields(logrus.Fields{"job": name, "every": every}).Info("Registered system job")
}

// ReconcileAll makes the job set equal to the eligible task set: enabled
// tasks with a parseable cron expression. It returns the number of task
// jobs afterwards.
func (s *Synchronizer) ReconcileAll() (int, error) {
	if !s.leader {
		return 0, nil
	}

	tasks, err := s.db.ListSchedulableTasks()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make(map[int64]bool, len(tasks))
	for _, task := range tasks {
		eligible[task.ID] = true
	}

	for taskID := range s.jobs {
		if !eligible[taskID] {
			s.removeLocked(taskID)
		}
	}

	for _, task := range tasks {
		_, scheduled := s.jobs[task.ID]
		if scheduled && s.cronExprs[task.ID] == task.CronExpr {
			continue
		}
		if err := s.scheduleTaskLocked(task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Warn("Skipping task with invalid cron expression")
			s.removeLocked(task.ID)
		}
	}
	return len(s.jobs), nil
}

// ReconcileOne re-reads a task and removes, adds or replaces its job.
// Called after every task mutation.
func (s *Synchronizer) ReconcileOne(taskID int64) error {
	if !s.leader {
		return nil
	}

	task, err := s.db.GetTask(taskID)
	if errors.Is(err, db.ErrNotFound) {
		s.RemoveJob(taskID)
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(taskID)
	if !task.Enabled || !task.HasSchedule() {
		return nil
	}
	if err := s.scheduleTaskLocked(task); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Warn("Task not scheduled")
	}
	return nil
}

// RemoveJob removes a task's job unconditionally
func (s *Synchronizer) RemoveJob(taskID int64) {
	if !s.leader {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(taskID)
}

// NextRun returns the next firing time of a task's job
func (s *Synchronizer) NextRun(taskID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryID, ok := s.jobs[taskID]
	if !ok {
		return nil
	}
	if s.running {
		if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	// Not started yet: compute from the expression.
	sched, err := parser.Parse(s.cronExprs[taskID])
	if err != nil {
		return nil
	}
	next := sched.Next(time.Now().In(s.cron.Location()))
	return &next
}

// JobIDs lists the keys of every task job, sorted
func (s *Synchronizer) JobIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = JobID(id)
	}
	return keys
}

func (s *Synchronizer) removeLocked(taskID int64) {
	if entryID, ok := s.jobs[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, taskID)
		delete(s.cronExprs, taskID)
	}
}

func (s *Synchronizer) scheduleTaskLocked(task *db.Task) error {
	s.removeLocked(task.ID)

	sched, err := parser.Parse(task.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.CronExpr, err)
	}

	taskID := task.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.logger.WithField("job", JobID(taskID)).Debug("Trigger fired")
		s.runner.RunScheduled(taskID)
	}))

	s.jobs[task.ID] = entryID
	s.cronExprs[task.ID] = task.CronExpr
	return nil
}

// syncLoop periodically reconciles against the database
func (s *Synchronizer) syncLoop() {
	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSync:
			return
		case <-ticker.C:
			if _, err := s.ReconcileAll(); err != nil {
				s.logger.WithError(err).Warn("Periodic reconcile failed")
			}
		}
	}
}

// cronLogger adapts logrus to cron.Logger for the Recover wrapper
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		fields[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return fields
}
