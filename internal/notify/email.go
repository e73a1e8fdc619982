package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/sirupsen/logrus"
)

// SMTPConfig holds the configuration for outgoing mail
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
	// UseSSL selects implicit TLS (port 465 style) over STARTTLS
	UseSSL      bool
	FrontendURL string
}

type sendFunc func(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error

// Email delivers notifications by mail. Admin-facing kinds go to every
// administrator with an address; the rest go to the user concerned.
type Email struct {
	cfg    SMTPConfig
	db     *db.DB
	logger logrus.FieldLogger
	send   sendFunc
}

// NewEmail creates an email channel
func NewEmail(cfg SMTPConfig, database *db.DB, logger logrus.FieldLogger) *Email {
	send := sendStartTLS
	if cfg.UseSSL {
		send = sendImplicitTLS
	}
	return &Email{
		cfg:    cfg,
		db:     database,
		logger: logger.WithField("channel", "email"),
		send:   send,
	}
}

func (e *Email) recipients(user *db.User, kind Kind) ([]string, error) {
	if !kind.AdminFacing() {
		if user == nil || user.Email == "" {
			return nil, nil
		}
		return []string{user.Email}, nil
	}

	admins, err := e.db.ListAdmins()
	if err != nil {
		return nil, err
	}
	var to []string
	for _, a := range admins {
		if a.Email != "" {
			to = append(to, a.Email)
		}
	}
	return to, nil
}

// Notify implements Notifier
func (e *Email) Notify(_ context.Context, user *db.User, kind Kind, data Data) bool {
	log := e.logger.WithField("kind", kind)

	to, err := e.recipients(user, kind)
	if err != nil {
		log.WithError(err).Error("Failed to resolve recipients")
		return false
	}
	if len(to) == 0 {
		log.Debug("No recipient address, skipping email")
		return false
	}

	msg := Compose(user, kind, data, e.cfg.FrontendURL)
	raw := buildMail(e.cfg.From, to, msg)

	auth := smtp.PlainAuth("", e.cfg.From, e.cfg.Password, e.cfg.Host)
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.send(addr, e.cfg.Host, auth, e.cfg.From, to, raw); err != nil {
		log.WithError(err).WithField("to", to).Error("Failed to send email")
		return false
	}
	log.WithField("to", to).Info("Email sent")
	return true
}

func buildMail(from string, to []string, m Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", m.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Text(), "\n", "\r\n"))
	return []byte(b.String())
}

func sendStartTLS(addr, _ string, auth smtp.Auth, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, auth, from, to, msg)
}

func sendImplicitTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer c.Close()

	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
