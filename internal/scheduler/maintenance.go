package scheduler

import (
	"context"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/credential"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/sirupsen/logrus"
)

// MessageInterrupted finalizes records whose worker died with its process
const MessageInterrupted = "执行中断：进程重启"

// SessionSweeper removes expired login sessions
type SessionSweeper interface {
	SweepSessions(ctx context.Context, maxAge time.Duration) (int, error)
}

// MaintenanceOptions tunes the system jobs
type MaintenanceOptions struct {
	SessionMaxAge    time.Duration
	ExpiringWindow   time.Duration
	UnapprovedMaxAge time.Duration
	StaleRecordAge   time.Duration
}

// Maintenance holds the system jobs the leader runs next to task jobs
type Maintenance struct {
	db       *db.DB
	sessions SessionSweeper
	notifier notify.Notifier
	logger   logrus.FieldLogger
	opts     MaintenanceOptions
	now      func() time.Time
	// extra cleanups run with the session sweep (alias reservations, streams)
	cleanups []func()
}

// NewMaintenance creates the system jobs
func NewMaintenance(database *db.DB, sessions SessionSweeper, notifier notify.Notifier, logger logrus.FieldLogger, opts MaintenanceOptions) *Maintenance {
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 24 * time.Hour
	}
	if opts.ExpiringWindow <= 0 {
		opts.ExpiringWindow = 30 * time.Minute
	}
	if opts.UnapprovedMaxAge <= 0 {
		opts.UnapprovedMaxAge = 24 * time.Hour
	}
	if opts.StaleRecordAge <= 0 {
		opts.StaleRecordAge = time.Hour
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Maintenance{
		db:       database,
		sessions: sessions,
		notifier: notifier,
		logger:   logger.WithField("component", "maintenance"),
		opts:     opts,
		now:      time.Now,
	}
}

// OnSweep adds a cleanup that runs with every session sweep
func (m *Maintenance) OnSweep(fn func()) {
	m.cleanups = append(m.cleanups, fn)
}

// Register adds the system jobs to s
func (m *Maintenance) Register(s *Synchronizer, sweepEvery, tokenEvery time.Duration) {
	s.AddSystemJob("cleanup_old_sessions", sweepEvery, func() { m.SweepSessions() })
	s.AddSystemJob("check_token_expiration", tokenEvery, func() { m.ScanCredentials() })
	s.AddSystemJob("cleanup_expired_pending_users", time.Hour, func() { m.PurgeUnapproved() })
}

// SweepSessions removes login sessions older than the configured age
func (m *Maintenance) SweepSessions() int {
	for _, fn := range m.cleanups {
		fn()
	}
	if m.sessions == nil {
		return 0
	}
	n, err := m.sessions.SweepSessions(context.Background(), m.opts.SessionMaxAge)
	if err != nil {
		m.logger.WithError(err).Error("Session sweep failed")
	}
	m.logger.WithField("removed", n).Info("Session sweep finished")
	return n
}

// ScanCredentials notifies users whose credential is about to expire or
// has expired. Each threshold notifies once; the flags reset when the
// credential is renewed.
func (m *Maintenance) ScanCredentials() (expiring, expired int) {
	users, err := m.db.ListUsersWithCredential()
	if err != nil {
		m.logger.WithError(err).Error("Credential scan failed")
		return 0, 0
	}

	ctx := context.Background()
	now := m.now()
	for _, u := range users {
		remaining, ok := credential.Remaining(u, now)
		if !ok {
			continue
		}
		log := m.logger.WithFields(logrus.Fields{"user_id": u.ID, "alias": u.Alias})

		switch {
		case remaining > 0 && remaining < m.opts.ExpiringWindow:
			if u.TokenExpiringNotified {
				continue
			}
			if err := m.db.SetTokenExpiringNotified(u.ID); err != nil {
				log.WithError(err).Error("Failed to set expiring flag")
				continue
			}
			m.notifier.Notify(ctx, u, notify.KindTokenExpiring, notify.Data{
				"remaining":  remaining.Round(time.Minute).String(),
				"expires_at": now.Add(remaining).Format(time.RFC3339),
			})
			log.WithField("remaining", remaining).Info("Credential expiring soon")
			expiring++
		case remaining <= 0:
			if u.TokenExpiredNotified {
				continue
			}
			if err := m.db.SetTokenExpiredNotified(u.ID); err != nil {
				log.WithError(err).Error("Failed to set expired flag")
				continue
			}
			m.notifier.Notify(ctx, u, notify.KindTokenExpired, notify.Data{
				"message": credential.Check(u, now).Message,
			})
			log.Info("Credential expired")
			expired++
		}
	}
	return expiring, expired
}

// PurgeUnapproved deletes unapproved accounts older than the configured age
func (m *Maintenance) PurgeUnapproved() int {
	purged, err := m.db.PurgeUnapprovedUsers(m.now().Add(-m.opts.UnapprovedMaxAge))
	if err != nil {
		m.logger.WithError(err).Error("Unapproved user purge failed")
		return 0
	}
	for _, u := range purged {
		m.logger.WithFields(logrus.Fields{"user_id": u.ID, "alias": u.Alias}).Info("Deleted expired unapproved user")
	}
	return len(purged)
}

// FailStaleRecords finalizes pending records left behind by a previous
// process. Run once when leadership is taken.
func (m *Maintenance) FailStaleRecords() int64 {
	n, err := m.db.FailStalePendingRecords(m.now().Add(-m.opts.StaleRecordAge), MessageInterrupted)
	if err != nil {
		m.logger.WithError(err).Error("Failed to finalize stale records")
		return 0
	}
	if n > 0 {
		m.logger.WithField("count", n).Warn("Finalized stale pending records")
	}
	return n
}
