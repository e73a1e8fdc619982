package notify

import (
	"context"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/sirupsen/logrus"
)

// Webhooks mirrors every notification to the admin Discord and Slack
// webhooks stored in settings. URLs are read on each send so that a
// settings change applies without a restart.
type Webhooks struct {
	db      *db.DB
	discord *Discord
	slack   *Slack
	logger  logrus.FieldLogger
}

// NewWebhooks creates the admin webhook channel
func NewWebhooks(database *db.DB, logger logrus.FieldLogger) *Webhooks {
	return &Webhooks{
		db:      database,
		discord: NewDiscord(),
		slack:   NewSlack(),
		logger:  logger.WithField("channel", "webhook"),
	}
}

// Notify implements Notifier
func (w *Webhooks) Notify(ctx context.Context, user *db.User, kind Kind, data Data) bool {
	discordURL, slackURL := w.db.AdminWebhooks()
	if discordURL == "" && slackURL == "" {
		return false
	}

	msg := Compose(user, kind, data, "")
	sent := false
	if discordURL != "" {
		if err := w.discord.Send(ctx, discordURL, msg); err != nil {
			w.logger.WithError(err).WithField("kind", kind).Warn("Discord webhook failed")
		} else {
			sent = true
		}
	}
	if slackURL != "" {
		if err := w.slack.Send(ctx, slackURL, msg); err != nil {
			w.logger.WithError(err).WithField("kind", kind).Warn("Slack webhook failed")
		} else {
			sent = true
		}
	}
	return sent
}

// Multi fans a notification out to several channels
type Multi []Notifier

// Notify implements Notifier. It reports whether any channel accepted.
func (m Multi) Notify(ctx context.Context, user *db.User, kind Kind, data Data) bool {
	sent := false
	for _, n := range m {
		if n.Notify(ctx, user, kind, data) {
			sent = true
		}
	}
	return sent
}
