package login

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylemclaren/checkin-tasks/internal/browser"
	"github.com/kylemclaren/checkin-tasks/internal/browser/browsertest"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/logging"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/notify/notifytest"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch     *Orchestrator
	store    *sessionstore.MemoryStore
	driver   *browsertest.Fake
	db       *db.DB
	notifier *notifytest.Recorder
}

func newHarness(t *testing.T, driver *browsertest.Fake, attempts int) *harness {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "login.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	h := &harness{
		store:    sessionstore.NewMemoryStore(),
		driver:   driver,
		db:       database,
		notifier: &notifytest.Recorder{},
	}
	h.orch = New(h.store, driver, database, NewAliasRegistry(), h.notifier, logging.Discard(), Options{
		PollAttempts:   attempts,
		PollInterval:   time.Millisecond,
		ReservationTTL: time.Minute,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func token(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("provider-secret"))
	require.NoError(t, err)
	return s
}

// waitFor polls the raw store (not GetStatus, which deletes resolved sessions)
func (h *harness) waitFor(t *testing.T, id string, status sessionstore.Status) *sessionstore.Session {
	t.Helper()
	var sess *sessionstore.Session
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		sess = s
		return s.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return sess
}

func TestNewUserRegistration(t *testing.T) {
	exp := time.Now().Add(30 * 24 * time.Hour)
	fake := &browsertest.Fake{QRImage: "data:image/png;base64,AAA", Token: "Bearer " + token(t, "qq-100", exp), TokenPoll: 2}
	h := newHarness(t, fake, 50)
	ctx := context.Background()

	id, err := h.orch.StartSession(ctx, StartRequest{Alias: "alice", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess := h.waitFor(t, id, sessionstore.StatusSuccess)
	assert.True(t, sess.IsNewUser)
	assert.Equal(t, MessageRegistered, sess.Message)
	assert.NotZero(t, sess.UserID)

	user, err := h.db.GetUserByAlias("alice")
	require.NoError(t, err)
	assert.Equal(t, "qq-100", user.JWTSub)
	assert.False(t, user.IsApproved)
	assert.Equal(t, db.RoleUser, user.Role)
	assert.NotContains(t, user.Authorization, "Bearer")

	_, held := h.orch.Aliases().ReservedBy("alice")
	assert.False(t, held)
	assert.Equal(t, 1, h.notifier.Count(notify.KindNewUserRegistration))

	require.Eventually(t, func() bool { return fake.Pages()[0].Closed() }, time.Second, 5*time.Millisecond)

	view, err := h.orch.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusSuccess, view.Status)
	assert.Empty(t, view.QRImage)

	_, err = h.orch.GetStatus(ctx, id)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestRenewalUpdatesCredential(t *testing.T) {
	exp := time.Now().Add(10 * 24 * time.Hour)
	fake := &browsertest.Fake{Token: token(t, "qq-200", exp)}
	h := newHarness(t, fake, 50)

	existing := &db.User{Alias: "bob", JWTSub: "qq-200", Authorization: "old", JWTExp: "1"}
	require.NoError(t, h.db.CreateUser(existing))
	require.NoError(t, h.db.SetTokenExpiredNotified(existing.ID))

	id, err := h.orch.StartSession(context.Background(), StartRequest{Alias: "bob"})
	require.NoError(t, err)

	sess := h.waitFor(t, id, sessionstore.StatusSuccess)
	assert.False(t, sess.IsNewUser)
	assert.Equal(t, existing.ID, sess.UserID)

	user, err := h.db.GetUser(existing.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "old", user.Authorization)
	assert.Equal(t, "qq-200", user.JWTSub)
	assert.False(t, user.TokenExpiredNotified)
	assert.Equal(t, 0, h.notifier.Count(notify.KindNewUserRegistration))
}

func TestIdentityMismatch(t *testing.T) {
	fake := &browsertest.Fake{Token: token(t, "qq-other", time.Now().Add(time.Hour))}
	h := newHarness(t, fake, 50)

	owner := &db.User{Alias: "carol", JWTSub: "qq-300", Authorization: "keep", JWTExp: "1"}
	require.NoError(t, h.db.CreateUser(owner))

	id, err := h.orch.StartSession(context.Background(), StartRequest{Alias: "carol"})
	require.NoError(t, err)

	sess := h.waitFor(t, id, sessionstore.StatusError)
	assert.Equal(t, ErrIdentityMismatch.Error(), sess.Message)

	user, err := h.db.GetUser(owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep", user.Authorization)
	_, err = h.db.GetUserByJWTSub("qq-other")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStartSessionRejections(t *testing.T) {
	h := newHarness(t, &browsertest.Fake{}, 1)
	ctx := context.Background()

	_, err := h.orch.StartSession(ctx, StartRequest{Alias: "   "})
	assert.ErrorIs(t, err, ErrAliasRequired)

	require.NoError(t, h.db.CreateUser(&db.User{Alias: "tester"}))
	_, err = h.orch.StartSession(ctx, StartRequest{Alias: "tester"})
	assert.ErrorIs(t, err, ErrTestAccount)

	require.True(t, h.orch.Aliases().Reserve("dave", "someone-else", time.Minute))
	_, err = h.orch.StartSession(ctx, StartRequest{Alias: "dave"})
	assert.ErrorIs(t, err, ErrAliasReserved)

	assert.Equal(t, 0, h.driver.Starts())
}

func TestRegistrationRecordsCooldown(t *testing.T) {
	h := newHarness(t, &browsertest.Fake{}, 1)
	h.orch.opts.RegistrationCooldown = time.Hour

	_, err := h.orch.StartSession(context.Background(), StartRequest{Alias: "erin", Cookie: "client-1"})
	require.NoError(t, err)
	assert.False(t, h.orch.Aliases().CookieAllowed("client-1"))
}

func TestLoginTimeout(t *testing.T) {
	fake := &browsertest.Fake{QRImage: "qr"}
	h := newHarness(t, fake, 3)

	id, err := h.orch.StartSession(context.Background(), StartRequest{Alias: "frank"})
	require.NoError(t, err)

	sess := h.waitFor(t, id, sessionstore.StatusError)
	assert.Equal(t, "操作超时！卡在了步骤: '"+browser.StepWaitScan+"'", sess.Message)
	assert.Equal(t, 3, fake.Pages()[0].Polls())

	_, held := h.orch.Aliases().ReservedBy("frank")
	assert.False(t, held)
}

func TestDriverFailureNamesStep(t *testing.T) {
	fake := &browsertest.Fake{StartErr: errors.New("element not found"), FailAt: browser.StepClickLogin}
	h := newHarness(t, fake, 3)

	id, err := h.orch.StartSession(context.Background(), StartRequest{Alias: "gina"})
	require.NoError(t, err)

	sess := h.waitFor(t, id, sessionstore.StatusError)
	assert.Contains(t, sess.Message, browser.StepClickLogin)
	assert.Contains(t, sess.Message, "element not found")

	_, held := h.orch.Aliases().ReservedBy("gina")
	assert.False(t, held)
}

func TestCancelWhileWaiting(t *testing.T) {
	fake := &browsertest.Fake{QRImage: "qr"}
	h := newHarness(t, fake, 100000)
	ctx := context.Background()

	id, err := h.orch.StartSession(ctx, StartRequest{Alias: "hank"})
	require.NoError(t, err)

	waiting := h.waitFor(t, id, sessionstore.StatusWaitingScan)
	assert.Equal(t, "qr", waiting.QRImage)

	view, err := h.orch.CancelSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusCancelled, view.Status)
	assert.Equal(t, MessageCancelled, view.Message)

	// Cancelling twice is a no-op.
	view, err = h.orch.CancelSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusCancelled, view.Status)

	require.Eventually(t, func() bool { return fake.Pages()[0].Closed() }, 5*time.Second, 5*time.Millisecond)

	// A token arriving after cancellation is never reconciled.
	fake.SetToken(token(t, "qq-late", time.Now().Add(time.Hour)))
	time.Sleep(20 * time.Millisecond)
	_, err = h.db.GetUserByAlias("hank")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, held := h.orch.Aliases().ReservedBy("hank")
	assert.False(t, held)

	view, err = h.orch.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusCancelled, view.Status)
	_, err = h.orch.GetStatus(ctx, id)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestCancelAfterSuccess(t *testing.T) {
	fake := &browsertest.Fake{Token: token(t, "qq-500", time.Now().Add(time.Hour))}
	h := newHarness(t, fake, 50)
	ctx := context.Background()

	id, err := h.orch.StartSession(ctx, StartRequest{Alias: "ivy"})
	require.NoError(t, err)
	h.waitFor(t, id, sessionstore.StatusSuccess)

	_, err = h.orch.CancelSession(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadySucceeded)

	sess, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusSuccess, sess.Status)
}

func TestLateFailureNeverOverwritesSuccess(t *testing.T) {
	h := newHarness(t, &browsertest.Fake{}, 1)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, &sessionstore.Session{ID: "s-1", Status: sessionstore.StatusSuccess, Alias: "jack"}))
	h.orch.fail("s-1", "jack", false, "boom")

	sess, err := h.store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusSuccess, sess.Status)
	assert.Empty(t, sess.Message)
}

func TestGetStatusUnknownSession(t *testing.T) {
	h := newHarness(t, &browsertest.Fake{}, 1)

	_, err := h.orch.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	_, err = h.orch.GetStatus(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	_, err = h.orch.CancelSession(context.Background(), "missing")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestSlowRegistrationKeepsAliasReservation(t *testing.T) {
	fake := &browsertest.Fake{QRImage: "qr"}
	h := newHarness(t, fake, 100000)
	h.orch.opts.ReservationTTL = 30 * time.Millisecond
	ctx := context.Background()

	id, err := h.orch.StartSession(ctx, StartRequest{Alias: "kate"})
	require.NoError(t, err)
	h.waitFor(t, id, sessionstore.StatusWaitingScan)

	// The scan takes several reservation lifetimes
	time.Sleep(120 * time.Millisecond)
	holder, held := h.orch.Aliases().ReservedBy("kate")
	assert.True(t, held)
	assert.Equal(t, id, holder)

	fake.SetToken(token(t, "qq-700", time.Now().Add(time.Hour)))
	sess := h.waitFor(t, id, sessionstore.StatusSuccess)
	assert.True(t, sess.IsNewUser)

	user, err := h.db.GetUserByAlias("kate")
	require.NoError(t, err)
	assert.Equal(t, "qq-700", user.JWTSub)
}

// gateNotifier holds the registration notice until released
type gateNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateNotifier) Notify(_ context.Context, _ *db.User, kind notify.Kind, _ notify.Data) bool {
	if kind == notify.KindNewUserRegistration {
		close(g.entered)
		<-g.release
	}
	return true
}

func TestCancelWhileSavingCredentialIsRefused(t *testing.T) {
	fake := &browsertest.Fake{Token: token(t, "qq-800", time.Now().Add(time.Hour))}
	h := newHarness(t, fake, 50)
	gate := &gateNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	h.orch.notifier = gate
	ctx := context.Background()

	id, err := h.orch.StartSession(ctx, StartRequest{Alias: "liam"})
	require.NoError(t, err)

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("registration was never written")
	}

	// The user row exists; the session has not reported success yet
	_, err = h.orch.CancelSession(ctx, id)
	assert.ErrorIs(t, err, ErrCommitting)

	sess, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sess.Status.IsTerminal())
	assert.True(t, sess.Committing)
	assert.Equal(t, stepSaveCredential, sess.Step)

	close(gate.release)
	sess = h.waitFor(t, id, sessionstore.StatusSuccess)
	assert.Equal(t, MessageRegistered, sess.Message)

	_, err = h.db.GetUserByAlias("liam")
	assert.NoError(t, err)
}
