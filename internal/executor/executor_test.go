package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/browser/browsertest"
	"github.com/kylemclaren/checkin-tasks/internal/classify"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/logging"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/notify/notifytest"
	"github.com/kylemclaren/checkin-tasks/internal/stream"
	"github.com/kylemclaren/checkin-tasks/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitterFunc func(ctx context.Context, payload, token, signature string) (*upstream.Response, error)

func (f submitterFunc) Submit(ctx context.Context, payload, token, signature string) (*upstream.Response, error) {
	return f(ctx, payload, token, signature)
}

func reply(status int, body string) submitterFunc {
	return func(context.Context, string, string, string) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: status, Body: body}, nil
	}
}

type fixture struct {
	exec     *Executor
	db       *db.DB
	driver   *browsertest.Fake
	notifier *notifytest.Recorder
	streams  *stream.Manager
}

func newFixture(t *testing.T, submitter Submitter) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		db:       database,
		driver:   &browsertest.Fake{Signature: "live-signature"},
		notifier: &notifytest.Recorder{},
		streams:  stream.NewManager(),
	}
	f.exec = New(database, f.driver, submitter, f.notifier, f.streams, logging.Discard(), Options{RunTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.exec.Shutdown(ctx)
	})
	return f
}

func (f *fixture) user(t *testing.T, alias string, approved bool, authorization string, exp time.Time) *db.User {
	t.Helper()
	u := &db.User{Alias: alias, JWTSub: "sub-" + alias, Authorization: authorization, JWTExp: strconv.FormatInt(exp.Unix(), 10)}
	require.NoError(t, f.db.CreateUser(u))
	if approved {
		require.NoError(t, f.db.ApproveUser(u.ID))
		u.IsApproved = true
	}
	return u
}

func (f *fixture) task(t *testing.T, userID int64) *db.Task {
	t.Helper()
	task := &db.Task{UserID: userID, Name: "晚签到", PayloadConfig: `{"ThreadId":"t-1"}`, Enabled: true, CronExpr: "0 20 * * *"}
	require.NoError(t, f.db.CreateTask(task))
	return task
}

func (f *fixture) dispatch(t *testing.T, task *db.Task) *db.Record {
	t.Helper()
	res, err := f.exec.Dispatch(context.Background(), task, db.TriggerManual)
	require.NoError(t, err)
	f.exec.Wait()
	rec, err := f.db.GetRecord(res.RecordID)
	require.NoError(t, err)
	return rec
}

var future = time.Now().Add(30 * 24 * time.Hour)

func TestDispatchSuccessNotifiesOnce(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, `{"Type":1,"Data":"打卡成功"}`))
	u := f.user(t, "alice", true, "tok-a", future)
	task := f.task(t, u.ID)

	res, err := f.exec.Dispatch(context.Background(), task, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RecordStatusPending, res.Status)
	assert.Equal(t, MessageStarted, res.Message)

	client := f.streams.Subscribe(res.RecordID, "watcher")
	f.exec.Wait()

	rec, err := f.db.GetRecord(res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, db.RecordStatusSuccess, rec.Status)
	assert.Contains(t, rec.ResponseText, "打卡成功")
	assert.NotNil(t, rec.FinishedAt)

	assert.Equal(t, []string{"tok-a"}, f.driver.SignedTokens())
	assert.Equal(t, 1, f.notifier.Count(notify.KindCheckInResult))

	select {
	case done := <-client.Complete:
		assert.Equal(t, string(db.RecordStatusSuccess), done.Status)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestResubmissionDoesNotNotify(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, `{"Description":"您已经打卡，请勿重复提交"}`))
	u := f.user(t, "bob", true, "tok-b", future)

	rec := f.dispatch(t, f.task(t, u.ID))
	assert.Equal(t, db.RecordStatusSuccess, rec.Status)
	assert.Empty(t, f.notifier.All())
}

func TestTokenExpiredSetsFlagAndNotifiesEveryTime(t *testing.T) {
	f := newFixture(t, reply(http.StatusUnauthorized, `{"Description":"请先授权登录小程序"}`))
	u := f.user(t, "carol", true, "tok-c", future)
	task := f.task(t, u.ID)

	rec := f.dispatch(t, task)
	assert.Equal(t, db.RecordStatusTokenExpired, rec.Status)
	assert.Equal(t, classify.MessageTokenExpired, rec.ErrorMessage)

	got, err := f.db.GetUser(u.ID)
	require.NoError(t, err)
	assert.True(t, got.TokenExpiredNotified)
	assert.Equal(t, 1, f.notifier.Count(notify.KindTokenExpired))

	// The flag is already set; the check-in result still reaches the user
	rec = f.dispatch(t, task)
	assert.Equal(t, db.RecordStatusTokenExpired, rec.Status)
	assert.Equal(t, 2, f.notifier.Count(notify.KindTokenExpired))
}

func TestOutOfTimeAndUnknown(t *testing.T) {
	body := "不在打卡时间范围内"
	f := newFixture(t, submitterFunc(func(context.Context, string, string, string) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: http.StatusOK, Body: body}, nil
	}))
	u := f.user(t, "dave", true, "tok-d", future)
	task := f.task(t, u.ID)

	rec := f.dispatch(t, task)
	assert.Equal(t, db.RecordStatusOutOfTime, rec.Status)

	body = `{"weird":true}`
	rec = f.dispatch(t, task)
	assert.Equal(t, db.RecordStatusUnknown, rec.Status)
	assert.Equal(t, `{"weird":true}`, rec.ResponseText)
	assert.Empty(t, f.notifier.All())
}

func TestUnusableCredentialWritesTerminalRecord(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, "打卡成功"))
	noToken := f.user(t, "erin", true, "", future)
	expired := f.user(t, "frank", true, "tok-f", time.Now().Add(-72*time.Hour))

	res, err := f.exec.Dispatch(context.Background(), f.task(t, noToken.ID), db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RecordStatusFailure, res.Status)
	assert.Equal(t, "未设置打卡凭证，请重新扫码登录", res.Message)

	rec, err := f.db.GetRecord(res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, db.RecordStatusFailure, rec.Status)
	assert.NotNil(t, rec.FinishedAt)

	res, err = f.exec.Dispatch(context.Background(), f.task(t, expired.ID), db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "打卡凭证已过期 3 天，请重新扫码登录", res.Message)

	assert.Equal(t, 0, f.driver.SignCalls())
}

func TestInvalidPayloadFailsBeforeSigning(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, "打卡成功"))
	u := f.user(t, "ivan", true, "tok-i", future)

	for payload, want := range map[string]string{
		`{"Content":"x"}`: upstream.ErrMissingThreadID.Error(),
		`not json`:        upstream.ErrInvalidPayload.Error(),
	} {
		task := &db.Task{UserID: u.ID, Name: "坏任务", PayloadConfig: payload, Enabled: true}
		require.NoError(t, f.db.CreateTask(task))

		res, err := f.exec.Dispatch(context.Background(), task, db.TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, db.RecordStatusFailure, res.Status, payload)
		assert.Equal(t, want, res.Message, payload)

		rec, err := f.db.GetRecord(res.RecordID)
		require.NoError(t, err)
		assert.Equal(t, db.RecordStatusFailure, rec.Status)
		assert.NotNil(t, rec.FinishedAt)
	}

	assert.Equal(t, 0, f.driver.SignCalls())
	assert.Empty(t, f.notifier.All())
}

func TestSignatureFailure(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, "打卡成功"))
	f.driver.Signature = ""
	u := f.user(t, "gina", true, "tok-g", future)

	rec := f.dispatch(t, f.task(t, u.ID))
	assert.Equal(t, db.RecordStatusFailure, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "获取请求签名失败")
	assert.Empty(t, f.notifier.All())
}

func TestTransportFailure(t *testing.T) {
	f := newFixture(t, submitterFunc(func(context.Context, string, string, string) (*upstream.Response, error) {
		return nil, errors.New("connection reset")
	}))
	u := f.user(t, "hank", true, "tok-h", future)

	rec := f.dispatch(t, f.task(t, u.ID))
	assert.Equal(t, db.RecordStatusFailure, rec.Status)
	assert.Equal(t, "connection reset", rec.ErrorMessage)
}

func TestWorkerPanicIsRecorded(t *testing.T) {
	f := newFixture(t, submitterFunc(func(context.Context, string, string, string) (*upstream.Response, error) {
		panic("boom")
	}))
	u := f.user(t, "ivy", true, "tok-i", future)

	rec := f.dispatch(t, f.task(t, u.ID))
	assert.Equal(t, db.RecordStatusFailure, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "boom")
}

func TestDispatchAgainstUpstreamServer(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("x-api-request-payload")
		_, _ = w.Write([]byte("打卡成功"))
	}))
	defer srv.Close()

	f := newFixture(t, upstream.NewClient(srv.URL, time.Second))
	u := f.user(t, "jack", true, "tok-j", future)

	rec := f.dispatch(t, f.task(t, u.ID))
	assert.Equal(t, db.RecordStatusSuccess, rec.Status)
	assert.Equal(t, "live-signature", gotSignature)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, "打卡成功"))
	good := f.user(t, "kate", true, "tok-k", future)
	bad := f.user(t, "liam", true, "", future)
	t1 := f.task(t, good.ID)
	t2 := f.task(t, bad.ID)

	summary := f.exec.Batch(context.Background(), []int64{t1.ID, t2.ID, 999})
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Failure)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Details, 3)
	assert.True(t, summary.Details[0].Success)
	assert.False(t, summary.Details[1].Success)
	assert.Equal(t, "任务不存在", summary.Details[2].Message)

	records, _, err := f.db.ListRecords(db.RecordFilter{TriggerType: db.TriggerAdmin})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunScheduledSkipsUnapprovedUsers(t *testing.T) {
	f := newFixture(t, reply(http.StatusOK, "打卡成功"))
	pending := f.user(t, "mia", false, "tok-m", future)
	approved := f.user(t, "noah", true, "tok-n", future)
	t1 := f.task(t, pending.ID)
	t2 := f.task(t, approved.ID)

	f.exec.RunScheduled(t1.ID)
	f.exec.RunScheduled(t2.ID)
	f.exec.RunScheduled(999)
	f.exec.Wait()

	_, total, err := f.db.ListRecords(db.RecordFilter{TaskID: t1.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	records, _, err := f.db.ListRecords(db.RecordFilter{TaskID: t2.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, db.TriggerScheduled, records[0].TriggerType)
	assert.Equal(t, db.RecordStatusSuccess, records[0].Status)
}
