package tui

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/login"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	views      []*login.View
	cancelErr  error
	cancelled  bool
	statusCall int
}

func (f *fakeSessions) GetStatus(context.Context, string) (*login.View, error) {
	if f.statusCall >= len(f.views) {
		return nil, sessionstore.ErrNotFound
	}
	v := f.views[f.statusCall]
	f.statusCall++
	return v, nil
}

func (f *fakeSessions) CancelSession(_ context.Context, id string) (*login.View, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled = true
	return &login.View{SessionID: id, Status: sessionstore.StatusCancelled, Message: login.MessageCancelled}, nil
}

func TestSaveQRCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qr", "login.png")
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	require.NoError(t, SaveQRCode(img, path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(got))

	assert.Error(t, SaveQRCode("data:image/png;base64,!!!", path))
}

func TestLoginModelFollowsSessionToSuccess(t *testing.T) {
	qr := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("qr"))
	sessions := &fakeSessions{views: []*login.View{
		{SessionID: "s1", Status: sessionstore.StatusWaitingScan, QRImage: qr, Step: "等待扫码"},
		{SessionID: "s1", Status: sessionstore.StatusSuccess, Alias: "alice", UserID: 7, Message: login.MessageRenewed},
	}}
	path := filepath.Join(t.TempDir(), "qr.png")
	m := NewLoginModel(sessions, "s1", path)

	next, cmd := m.Update(m.fetchStatus()())
	m = next.(LoginModel)
	assert.NotNil(t, cmd)
	assert.False(t, m.done)
	assert.Equal(t, path, m.qrSaved)
	assert.FileExists(t, path)
	assert.Contains(t, m.View(), "等待扫码")

	next, _ = m.Update(m.fetchStatus()())
	m = next.(LoginModel)
	assert.True(t, m.done)
	view, err := m.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(7), view.UserID)
}

func TestLoginModelCancel(t *testing.T) {
	sessions := &fakeSessions{views: []*login.View{{SessionID: "s2", Status: sessionstore.StatusPending}}}
	m := NewLoginModel(sessions, "s2", "")

	next, _ := m.Update(m.fetchStatus()())
	m = next.(LoginModel)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(LoginModel)
	require.NotNil(t, cmd)
	assert.False(t, m.done, "cancel is asynchronous")

	next, _ = m.Update(cmd())
	m = next.(LoginModel)
	assert.True(t, sessions.cancelled)
	assert.True(t, m.done)
	_, err := m.Result()
	assert.EqualError(t, err, login.MessageCancelled)
}

func TestLoginModelFailure(t *testing.T) {
	sessions := &fakeSessions{views: []*login.View{{SessionID: "s3", Status: sessionstore.StatusError, Message: "操作超时！卡在了步骤: '等待扫码'"}}}
	m := NewLoginModel(sessions, "s3", "")

	next, _ := m.Update(m.fetchStatus()())
	m = next.(LoginModel)
	_, err := m.Result()
	assert.EqualError(t, err, "操作超时！卡在了步骤: '等待扫码'")

	// An unknown session ends the watch too
	m = NewLoginModel(&fakeSessions{}, "gone", "")
	next, _ = m.Update(m.fetchStatus()())
	_, err = next.(LoginModel).Result()
	assert.Error(t, err)
}

func asModel(t *testing.T, m tea.Model) Model {
	t.Helper()
	switch v := m.(type) {
	case Model:
		return v
	case *Model:
		return *v
	}
	t.Fatalf("unexpected model type %T", m)
	return Model{}
}

func TestRecordsBrowser(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "tui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	u := &db.User{Alias: "alice", JWTSub: "sub-a"}
	require.NoError(t, database.CreateUser(u))
	task := &db.Task{UserID: u.ID, Name: "晚签到", PayloadConfig: `{"ThreadId":"t"}`, Enabled: true}
	require.NoError(t, database.CreateTask(task))

	ok := &db.Record{TaskID: task.ID, TriggerType: db.TriggerScheduled}
	require.NoError(t, database.CreateRecord(ok))
	require.NoError(t, database.FinalizeRecord(ok.ID, db.RecordStatusSuccess, `{"Type":1}`, ""))
	require.NoError(t, database.CreateRecord(&db.Record{TaskID: task.ID, TriggerType: db.TriggerManual}))

	m := NewModel(database, RecordsOptions{TaskID: task.ID})
	m = asModel(t, mustUpdate(m, m.loadRecords()()))
	assert.Equal(t, 2, m.total)
	assert.Len(t, m.table.Rows(), 2)
	assert.Equal(t, "晚签到", m.taskNames[task.ID])
	assert.Contains(t, m.View(), "2 records")

	// Cycle to the "pending" filter
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'f'}})
	m = asModel(t, next)
	require.NotNil(t, cmd)
	m = asModel(t, mustUpdate(m, cmd()))
	assert.Equal(t, 1, m.total)
	assert.Equal(t, db.RecordStatusPending, m.records[0].Status)
}

func mustUpdate(m Model, msg tea.Msg) tea.Model {
	next, _ := m.Update(msg)
	return next
}

func TestRecordMarkdown(t *testing.T) {
	rec := &db.Record{ID: 3, TaskID: 9, Status: db.RecordStatusTokenExpired, TriggerType: db.TriggerAdmin,
		ErrorMessage: "登录已过期", ResponseText: `{"Description":"请先登录"}`}
	md := recordMarkdown(rec, "晚签到")
	assert.Contains(t, md, "# Record 3")
	assert.Contains(t, md, "晚签到 (#9)")
	assert.Contains(t, md, "token_expired")
	assert.Contains(t, md, "## Message")
	assert.Contains(t, md, "```json")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 5))
	assert.Equal(t, "打卡...", truncate("打卡成功了吗", 5))
}
