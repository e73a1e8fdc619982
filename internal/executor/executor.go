package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/browser"
	"github.com/kylemclaren/checkin-tasks/internal/classify"
	"github.com/kylemclaren/checkin-tasks/internal/credential"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/stream"
	"github.com/kylemclaren/checkin-tasks/internal/upstream"
	"github.com/sirupsen/logrus"
)

// MessageStarted is returned for a dispatch handed to the background
const MessageStarted = "打卡任务已启动，正在后台处理"

// Submitter posts a signed payload upstream
type Submitter interface {
	Submit(ctx context.Context, payload, token, signature string) (*upstream.Response, error)
}

// Options tunes the executor
type Options struct {
	// RunTimeout bounds one background check-in, signature included
	RunTimeout time.Duration
}

// Executor performs check-ins
type Executor struct {
	db        *db.DB
	driver    browser.Driver
	submitter Submitter
	notifier  notify.Notifier
	streamMgr *stream.Manager
	logger    logrus.FieldLogger
	opts      Options
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new executor. streamMgr may be nil.
func New(database *db.DB, driver browser.Driver, submitter Submitter, notifier notify.Notifier,
	streamMgr *stream.Manager, logger logrus.FieldLogger, opts Options) *Executor {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 3 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		db:        database,
		driver:    driver,
		submitter: submitter,
		notifier:  notifier,
		streamMgr: streamMgr,
		logger:    logger.WithField("component", "executor"),
		opts:      opts,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Result represents the immediate outcome of a dispatch
type Result struct {
	RecordID int64           `json:"record_id"`
	Status   db.RecordStatus `json:"status"`
	Message  string          `json:"message"`
}

// prepare checks the owner's credential and the payload, then creates the
// record. When either check fails the record is created terminal and user
// is nil, so no browser or network work starts.
func (e *Executor) prepare(task *db.Task, trigger db.TriggerType) (*db.Record, *db.User, error) {
	if !trigger.Valid() {
		return nil, nil, fmt.Errorf("invalid trigger type %q", trigger)
	}

	user, err := e.db.GetUser(task.UserID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to load task owner: %w", err)
	}

	check := credential.Check(user, e.now())
	if !check.Usable {
		rec, err := e.failEarly(task, trigger, check.Message+"，请重新扫码登录")
		if err != nil {
			return nil, nil, err
		}
		e.logger.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"record_id": rec.ID,
			"reason":    check.Reason,
		}).Warn("Credential unusable, check-in not started")
		return rec, nil, nil
	}

	if _, err := upstream.ThreadID(task.PayloadConfig); err != nil {
		rec, ferr := e.failEarly(task, trigger, err.Error())
		if ferr != nil {
			return nil, nil, ferr
		}
		e.logger.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"record_id": rec.ID,
		}).WithError(err).Warn("Invalid payload, check-in not started")
		return rec, nil, nil
	}

	rec := &db.Record{TaskID: task.ID, TriggerType: trigger}
	if err := e.db.CreateRecord(rec); err != nil {
		return nil, nil, err
	}
	e.publish(rec.ID, stream.StageQueued, "")
	return rec, user, nil
}

// failEarly writes a record that is terminal from the start
func (e *Executor) failEarly(task *db.Task, trigger db.TriggerType, message string) (*db.Record, error) {
	rec := &db.Record{
		TaskID:       task.ID,
		Status:       db.RecordStatusFailure,
		ErrorMessage: message,
		TriggerType:  trigger,
	}
	if err := e.db.CreateRecord(rec); err != nil {
		return nil, err
	}
	e.complete(rec.ID, rec.Status, rec.ErrorMessage)
	return rec, nil
}

// Dispatch creates a pending record and runs the check-in in the
// background. It never waits on the network.
func (e *Executor) Dispatch(ctx context.Context, task *db.Task, trigger db.TriggerType) (*Result, error) {
	rec, user, err := e.prepare(task, trigger)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return &Result{RecordID: rec.ID, Status: rec.Status, Message: rec.ErrorMessage}, nil
	}

	e.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"record_id": rec.ID,
		"trigger":   trigger,
	}).Info("Dispatching check-in")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(e.ctx, e.opts.RunTimeout)
		defer cancel()
		e.run(runCtx, rec, task, user)
	}()

	return &Result{RecordID: rec.ID, Status: db.RecordStatusPending, Message: MessageStarted}, nil
}

// Execute runs a check-in to completion and returns the final record
func (e *Executor) Execute(ctx context.Context, task *db.Task, trigger db.TriggerType) (*db.Record, error) {
	rec, user, err := e.prepare(task, trigger)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return rec, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()
	e.run(runCtx, rec, task, user)
	return e.db.GetRecord(rec.ID)
}

// run performs the check-in and finalizes rec. Nothing escapes it.
func (e *Executor) run(ctx context.Context, rec *db.Record, task *db.Task, user *db.User) {
	log := e.logger.WithFields(logrus.Fields{"task_id": task.ID, "record_id": rec.ID})

	outcome, body := e.perform(ctx, log, rec.ID, task, user)

	if err := e.db.FinalizeRecord(rec.ID, outcome.Status, body, outcome.ErrorMessage); err != nil {
		if errors.Is(err, db.ErrRecordFinalized) {
			log.Warn("Record finalized elsewhere, dropping result")
		} else {
			log.WithError(err).Error("Failed to finalize record")
		}
		e.complete(rec.ID, outcome.Status, outcome.ErrorMessage)
		return
	}
	e.complete(rec.ID, outcome.Status, outcome.ErrorMessage)

	entry := log.WithField("status", outcome.Status)
	switch outcome.Status {
	case db.RecordStatusSuccess:
		entry.WithField("resubmitted", outcome.Resubmitted).Info("Check-in succeeded")
	case db.RecordStatusUnknown:
		entry.WithField("response", body).Warn("Unrecognized check-in response")
	default:
		entry.WithField("error", outcome.ErrorMessage).Warn("Check-in failed")
	}

	e.sideEffects(ctx, log, rec, task, user, outcome)
}

func (e *Executor) perform(ctx context.Context, log logrus.FieldLogger, recordID int64, task *db.Task, user *db.User) (outcome classify.Outcome, body string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Check-in worker panicked")
			outcome = classify.Outcome{Status: db.RecordStatusFailure, ErrorMessage: fmt.Sprintf("后台执行异常: %v", r)}
			body = ""
		}
	}()

	e.publish(recordID, stream.StageSignature, "")
	signature, err := e.driver.DeriveRequestSignature(ctx, user.Authorization)
	if err != nil {
		return classify.TransportFailure(fmt.Errorf("获取请求签名失败: %w", err)), ""
	}

	e.publish(recordID, stream.StageSubmit, "")
	resp, err := e.submitter.Submit(ctx, task.PayloadConfig, user.Authorization, signature)
	if err != nil {
		return classify.TransportFailure(err), ""
	}

	e.publish(recordID, stream.StageClassify, "")
	return classify.Classify(resp.Body, resp.StatusCode), resp.Body
}

// sideEffects updates the credential flags and notifies the owner. Only a
// fresh success and an expired credential notify.
func (e *Executor) sideEffects(ctx context.Context, log logrus.FieldLogger, rec *db.Record, task *db.Task, user *db.User, outcome classify.Outcome) {
	data := notify.Data{
		"task_id":      task.ID,
		"task_name":    task.Name,
		"record_id":    rec.ID,
		"status":       string(outcome.Status),
		"trigger_type": string(rec.TriggerType),
	}

	switch {
	case outcome.Status == db.RecordStatusTokenExpired:
		// Every expired result notifies. The flag stops the periodic scan
		// from sending the same notice again.
		if err := e.db.SetTokenExpiredNotified(user.ID); err != nil {
			log.WithError(err).Error("Failed to set token expired flag")
		}
		data["message"] = outcome.ErrorMessage
		e.notifier.Notify(ctx, user, notify.KindTokenExpired, data)
	case outcome.Notify && !outcome.Resubmitted:
		data["message"] = "打卡成功"
		e.notifier.Notify(ctx, user, notify.KindCheckInResult, data)
	}
}

// RunScheduled is the cron entry point for a task. Tasks that vanished,
// were disabled, or belong to unapproved users are skipped.
func (e *Executor) RunScheduled(taskID int64) {
	log := e.logger.WithField("task_id", taskID)

	task, err := e.db.GetTask(taskID)
	if err != nil {
		log.WithError(err).Warn("Scheduled task not found, skipping")
		return
	}
	if !task.Enabled {
		log.Info("Scheduled task disabled, skipping")
		return
	}
	user, err := e.db.GetUser(task.UserID)
	if err != nil {
		log.WithError(err).Warn("Scheduled task owner not found, skipping")
		return
	}
	if !user.IsApproved && user.Role != db.RoleAdmin {
		log.WithField("user_id", user.ID).Info("Owner not approved, skipping scheduled check-in")
		return
	}

	if _, err := e.Dispatch(e.ctx, task, db.TriggerScheduled); err != nil {
		log.WithError(err).Error("Scheduled dispatch failed")
	}
}

// BatchDetail is the per-task line of a batch summary
type BatchDetail struct {
	TaskID   int64  `json:"task_id"`
	TaskName string `json:"task_name,omitempty"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	RecordID int64  `json:"record_id,omitempty"`
}

// BatchSummary aggregates a batch run
type BatchSummary struct {
	Total   int           `json:"total"`
	Success int           `json:"success"`
	Failure int           `json:"failure"`
	Skipped int           `json:"skipped"`
	Details []BatchDetail `json:"details"`
}

// Batch runs the given tasks one after another with the admin trigger.
// Ids that do not resolve to a task are skipped; a failing task does not
// stop the batch.
func (e *Executor) Batch(ctx context.Context, taskIDs []int64) *BatchSummary {
	summary := &BatchSummary{Total: len(taskIDs), Details: []BatchDetail{}}
	e.logger.WithField("count", len(taskIDs)).Info("Starting batch check-in")

	for _, id := range taskIDs {
		task, err := e.db.GetTask(id)
		if err != nil {
			summary.Skipped++
			summary.Details = append(summary.Details, BatchDetail{TaskID: id, Message: "任务不存在"})
			continue
		}

		detail := BatchDetail{TaskID: id, TaskName: task.Name}
		rec, err := e.Execute(ctx, task, db.TriggerAdmin)
		switch {
		case err != nil:
			detail.Message = fmt.Sprintf("异常: %v", err)
		case rec.Status == db.RecordStatusSuccess:
			detail.Success = true
			detail.Message = "打卡成功"
			detail.RecordID = rec.ID
		default:
			detail.Message = fmt.Sprintf("打卡失败: %s", rec.ErrorMessage)
			detail.RecordID = rec.ID
		}
		if detail.Success {
			summary.Success++
		} else {
			summary.Failure++
		}
		summary.Details = append(summary.Details, detail)
	}

	e.logger.WithFields(logrus.Fields{
		"success": summary.Success,
		"failure": summary.Failure,
		"skipped": summary.Skipped,
	}).Info("Batch check-in finished")
	return summary
}

// Shutdown cancels in-flight check-ins and waits for their workers, bounded by ctx
func (e *Executor) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background check-in has finished
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) publish(recordID int64, stage stream.Stage, message string) {
	if e.streamMgr != nil {
		e.streamMgr.PublishStage(recordID, stage, message)
	}
}

func (e *Executor) complete(recordID int64, status db.RecordStatus, message string) {
	if e.streamMgr != nil {
		e.streamMgr.Complete(recordID, string(status), message)
	}
}
