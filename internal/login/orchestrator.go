// Package login runs interactive credential renewal: a background worker
// drives the provider's QR login in a browser and reconciles the captured
// credential into the user table, while callers poll the session store.
package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kylemclaren/checkin-tasks/internal/browser"
	"github.com/kylemclaren/checkin-tasks/internal/credential"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAliasRequired is returned when no alias is given
	ErrAliasRequired = errors.New("alias is required")
	// ErrAliasReserved is returned when another registration holds the alias
	ErrAliasReserved = errors.New("该用户名正在被其他人注册，请稍后再试或更换用户名")
	// ErrTestAccount is returned for accounts without an external identity
	ErrTestAccount = errors.New("此账户为测试账号，暂未绑定 QQ，无法扫码登录")
	// ErrAlreadySucceeded is returned when cancelling a session that already succeeded
	ErrAlreadySucceeded = errors.New("login already succeeded")
	// ErrCommitting is returned when cancelling a session whose credential is being saved
	ErrCommitting = errors.New("login is saving the credential")
	// ErrIdentityMismatch is returned when the scanned account is not the alias owner
	ErrIdentityMismatch = errors.New("QQ账号不匹配，请使用正确的QQ号扫码登录")
)

// errStop aborts a store update without writing
var errStop = errors.New("stop")

// stepSaveCredential is reported while the user row is written
const stepSaveCredential = "保存登录信息"

// errReservationLost ends a registration whose alias reservation lapsed and
// was taken by another session
var errReservationLost = errors.New("注册失败：会话已过期，请重新扫码")

const (
	MessageCancelled  = "用户取消登录"
	MessageRegistered = "注册成功，请等待管理员审批（24小时内）"
	MessageRenewed    = "登录成功"
)

// Options tunes the login worker
type Options struct {
	PollAttempts   int
	PollInterval   time.Duration
	ReservationTTL time.Duration
	// RegistrationCooldown applies per client cookie after a new-user session starts
	RegistrationCooldown time.Duration
}

// Orchestrator starts, tracks and cancels login sessions
type Orchestrator struct {
	store    sessionstore.Store
	driver   browser.Driver
	db       *db.DB
	aliases  *AliasRegistry
	notifier notify.Notifier
	logger   logrus.FieldLogger
	opts     Options
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator
func New(store sessionstore.Store, driver browser.Driver, database *db.DB, aliases *AliasRegistry,
	notifier notify.Notifier, logger logrus.FieldLogger, opts Options) *Orchestrator {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 120
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 120 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		driver:   driver,
		db:       database,
		aliases:  aliases,
		notifier: notifier,
		logger:   logger.WithField("component", "login"),
		opts:     opts,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Aliases exposes the reservation registry (for the cooldown check and cleanup loop)
func (o *Orchestrator) Aliases() *AliasRegistry {
	return o.aliases
}

// StartRequest is the input of StartSession
type StartRequest struct {
	Alias    string
	ClientIP string
	// Cookie identifies the client for the registration cooldown; may be empty
	Cookie string
}

// StartSession validates the request, records a pending session and hands
// the browser work to a background worker. It returns as soon as the
// session exists; callers poll GetStatus with the returned id.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (string, error) {
	alias := strings.TrimSpace(req.Alias)
	if alias == "" {
		return "", ErrAliasRequired
	}

	sessionID := o.newID()
	knownSub := ""
	isNew := false

	existing, err := o.db.GetUserByAlias(alias)
	switch {
	case err == nil:
		if existing.JWTSub == "" {
			return "", ErrTestAccount
		}
		knownSub = existing.JWTSub
	case errors.Is(err, db.ErrNotFound):
		if !o.aliases.Reserve(alias, sessionID, o.opts.ReservationTTL) {
			return "", ErrAliasReserved
		}
		isNew = true
	default:
		return "", fmt.Errorf("failed to look up alias: %w", err)
	}

	sess := &sessionstore.Session{
		ID:       sessionID,
		Status:   sessionstore.StatusPending,
		Alias:    alias,
		JWTSub:   knownSub,
		ClientIP: req.ClientIP,
	}
	if err := o.store.Put(ctx, sess); err != nil {
		if isNew {
			o.aliases.Release(alias, sessionID)
		}
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if isNew && req.Cookie != "" {
		o.aliases.RecordRegistration(req.Cookie, o.opts.RegistrationCooldown)
	}

	o.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"alias":      alias,
		"new_user":   isNew,
	}).Info("Starting login session")

	o.wg.Add(1)
	go o.run(sessionID, alias, knownSub, isNew)
	return sessionID, nil
}

// run is the background worker. Nothing escapes it: every failure ends up
// in the session record.
func (o *Orchestrator) run(sessionID, alias, knownSub string, isNew bool) {
	defer o.wg.Done()

	log := o.logger.WithField("session_id", sessionID)
	ctx := o.ctx
	step := browser.StepOpenLogin

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Login worker panicked")
			o.fail(sessionID, alias, isNew, fmt.Sprintf("登录流程异常: %v", r))
		}
	}()

	page, err := o.driver.StartLogin(ctx, func(label string) {
		step = label
		_, _ = o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
			if s.Status.IsTerminal() {
				return errStop
			}
			s.Step = label
			return nil
		})
	})
	if err != nil {
		log.WithError(err).WithField("step", step).Error("Browser login failed")
		o.fail(sessionID, alias, isNew, fmt.Sprintf("登录流程失败，卡在了步骤: '%s': %v", step, err))
		return
	}
	defer page.Close()

	_, err = o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
		if s.Status.IsTerminal() {
			return errStop
		}
		s.Status = sessionstore.StatusWaitingScan
		s.QRImage = page.QRCode()
		s.Step = step
		return nil
	})
	if err != nil {
		o.abandon(log, sessionID, alias, isNew, err)
		return
	}

	rawToken, err := o.awaitToken(ctx, page, sessionID, alias, isNew)
	if err != nil {
		if errors.Is(err, errStop) || errors.Is(err, sessionstore.ErrNotFound) {
			o.abandon(log, sessionID, alias, isNew, err)
			return
		}
		log.WithError(err).Warn("Login did not complete")
		o.fail(sessionID, alias, isNew, err.Error())
		return
	}
	page.Close()

	// Claim the session before touching the user table, so a cancel cannot
	// land between the write and the success update.
	_, err = o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
		if s.Status.IsTerminal() {
			return errStop
		}
		s.Committing = true
		s.Step = stepSaveCredential
		return nil
	})
	if err != nil {
		o.abandon(log, sessionID, alias, isNew, err)
		return
	}

	user, created, err := o.reconcile(ctx, sessionID, alias, knownSub, isNew, rawToken)
	if err != nil {
		log.WithError(err).Warn("Credential reconciliation failed")
		o.fail(sessionID, alias, isNew, err.Error())
		return
	}

	message := MessageRenewed
	if created {
		message = MessageRegistered
	}
	_, err = o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
		if s.Status.IsTerminal() {
			return errStop
		}
		s.Status = sessionstore.StatusSuccess
		s.Message = message
		s.Token = rawToken
		s.UserID = user.ID
		s.IsNewUser = created
		s.JWTSub = user.JWTSub
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Credential stored but session already resolved")
		return
	}
	log.WithFields(logrus.Fields{"user_id": user.ID, "new_user": created}).Info("Login session succeeded")
}

// awaitToken polls the browser and the session once per interval. It
// returns errStop when the session was cancelled. For a registration the
// alias reservation is renewed on every tick so a slow scan keeps it.
func (o *Orchestrator) awaitToken(ctx context.Context, page browser.LoginPage, sessionID, alias string, isNew bool) (string, error) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < o.opts.PollAttempts; i++ {
		sess, err := o.store.Get(ctx, sessionID)
		if err != nil && !errors.Is(err, sessionstore.ErrLockTimeout) {
			return "", err
		}
		if sess != nil && sess.Status.IsTerminal() {
			return "", errStop
		}
		if isNew && !o.aliases.Reserve(alias, sessionID, o.opts.ReservationTTL) {
			return "", errReservationLost
		}

		token, ok, err := page.PollToken(ctx)
		if err != nil {
			return "", fmt.Errorf("读取登录状态失败: %w", err)
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
	return "", fmt.Errorf("操作超时！卡在了步骤: '%s'", browser.StepWaitScan)
}

// abandon handles a worker that finds its session already resolved or gone
func (o *Orchestrator) abandon(log logrus.FieldLogger, sessionID, alias string, isNew bool, cause error) {
	if isNew {
		o.aliases.Release(alias, sessionID)
	}
	log.WithError(cause).Info("Login session ended before completion")
}

// fail records a terminal error unless the session already reached a
// terminal state. A late failure never overwrites success.
func (o *Orchestrator) fail(sessionID, alias string, isNew bool, message string) {
	if isNew {
		o.aliases.Release(alias, sessionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var prior sessionstore.Status
	_, err := o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
		prior = s.Status
		if s.Status.IsTerminal() {
			return errStop
		}
		s.Status = sessionstore.StatusError
		s.Message = message
		s.Token = ""
		return nil
	})

	log := o.logger.WithField("session_id", sessionID)
	switch {
	case err == nil:
	case errors.Is(err, errStop) && prior == sessionstore.StatusSuccess:
		log.WithField("message", message).Warn("Ignoring late failure for a session that already succeeded")
	case errors.Is(err, errStop):
	default:
		log.WithError(err).Error("Failed to record login failure")
	}
}

// reconcile turns a captured credential into a user row. It updates the
// user owning the credential's subject, or registers a new unapproved user
// when this session holds the alias reservation.
func (o *Orchestrator) reconcile(ctx context.Context, sessionID, alias, knownSub string, isNew bool, raw string) (*db.User, bool, error) {
	token := credential.Normalize(raw)
	if token == "" {
		return nil, false, errors.New("Token 为空")
	}
	claims, err := credential.Decode(token)
	if err != nil {
		return nil, false, fmt.Errorf("Token 解析失败: %w", err)
	}
	if claims.Subject == "" {
		return nil, false, errors.New("Token 解析失败: 缺少 sub")
	}

	if knownSub != "" && knownSub != claims.Subject {
		o.logger.WithFields(logrus.Fields{
			"alias":    alias,
			"expected": knownSub,
			"scanned":  claims.Subject,
		}).Warn("External identity does not match alias owner")
		return nil, false, ErrIdentityMismatch
	}

	user, err := o.db.GetUserByJWTSub(claims.Subject)
	if err == nil {
		if err := o.db.UpdateCredential(user.ID, token, claims.ExpString()); err != nil {
			return nil, false, err
		}
		if isNew {
			// The scanned account already exists under another alias.
			o.aliases.Release(alias, sessionID)
		}
		user, err = o.db.GetUser(user.ID)
		return user, false, err
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	if holder, ok := o.aliases.ReservedBy(alias); !ok || holder != sessionID {
		return nil, false, errReservationLost
	}
	if _, err := o.db.GetUserByAlias(alias); err == nil {
		o.aliases.Release(alias, sessionID)
		return nil, false, errors.New("注册失败：用户名已被占用，请更换用户名")
	}

	user = &db.User{
		JWTSub:        claims.Subject,
		Alias:         alias,
		Authorization: token,
		JWTExp:        claims.ExpString(),
		Role:          db.RoleUser,
		IsApproved:    false,
	}
	if err := o.db.CreateUser(user); err != nil {
		o.aliases.Release(alias, sessionID)
		return nil, false, err
	}
	o.aliases.Release(alias, sessionID)

	o.notifier.Notify(ctx, user, notify.KindNewUserRegistration, notify.Data{"client_alias": alias})
	return user, true, nil
}

// View is what pollers see of a session
type View struct {
	SessionID string              `json:"session_id"`
	Status    sessionstore.Status `json:"status"`
	Message   string              `json:"message,omitempty"`
	Step      string              `json:"step,omitempty"`
	QRImage   string              `json:"qrcode_image,omitempty"`
	Alias     string              `json:"alias,omitempty"`
	UserID    int64               `json:"user_id,omitempty"`
	IsNewUser bool                `json:"is_new_user,omitempty"`
}

func viewOf(s *sessionstore.Session) *View {
	v := &View{
		SessionID: s.ID,
		Status:    s.Status,
		Message:   s.Message,
		Step:      s.Step,
		Alias:     s.Alias,
		UserID:    s.UserID,
		IsNewUser: s.IsNewUser,
	}
	if s.Status == sessionstore.StatusWaitingScan {
		v.QRImage = s.QRImage
	}
	if v.Message == "" {
		switch s.Status {
		case sessionstore.StatusPending:
			v.Message = "正在初始化..."
		case sessionstore.StatusWaitingScan:
			v.Message = "请使用手机 QQ 扫描二维码"
		}
	}
	return v
}

// GetStatus returns the current view of a session. Reading a session that
// succeeded or was cancelled resolves it: the stored session is deleted and
// later reads return sessionstore.ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) (*View, error) {
	if err := sessionstore.ValidateID(sessionID); err != nil {
		return nil, sessionstore.ErrNotFound
	}
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == sessionstore.StatusSuccess || sess.Status == sessionstore.StatusCancelled {
		if err := o.store.Delete(ctx, sessionID); err != nil {
			o.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to delete resolved session")
		}
	}
	return viewOf(sess), nil
}

// CancelSession marks a session cancelled. Cancelling twice, or cancelling
// a failed session, is a no-op; cancelling a succeeded session returns
// ErrAlreadySucceeded and one that is saving its credential returns
// ErrCommitting. Both leave the session untouched.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) (*View, error) {
	if err := sessionstore.ValidateID(sessionID); err != nil {
		return nil, sessionstore.ErrNotFound
	}

	var prior sessionstore.Status
	sess, err := o.store.Update(ctx, sessionID, func(s *sessionstore.Session) error {
		prior = s.Status
		if s.Status.IsTerminal() {
			return errStop
		}
		if s.Committing {
			return ErrCommitting
		}
		s.Status = sessionstore.StatusCancelled
		s.Message = MessageCancelled
		return nil
	})
	if errors.Is(err, errStop) {
		if prior == sessionstore.StatusSuccess {
			o.logger.WithField("session_id", sessionID).Warn("Rejected cancel for a session that already succeeded")
			return nil, ErrAlreadySucceeded
		}
		current, err := o.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return viewOf(current), nil
	}
	if errors.Is(err, ErrCommitting) {
		o.logger.WithField("session_id", sessionID).Warn("Rejected cancel for a session saving its credential")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	o.aliases.Release(sess.Alias, sessionID)
	o.logger.WithField("session_id", sessionID).Info("Login session cancelled")
	return viewOf(sess), nil
}

// SweepSessions removes sessions older than maxAge
func (o *Orchestrator) SweepSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	return o.store.Sweep(ctx, maxAge)
}

// Shutdown stops every running worker and waits for them, bounded by ctx
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
