package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)

	base := filepath.Join(home, ".checkin-tasks")
	assert.Equal(t, base, cfg.BaseDir)
	assert.Equal(t, filepath.Join(base, "checkin.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(base, "sessions"), cfg.SessionDir)
	assert.Equal(t, filepath.Join(base, "scheduler.lock"), cfg.SchedulerLockPath())
	assert.Equal(t, 120, cfg.LoginPollAttempts)
	assert.Equal(t, 24*time.Hour, cfg.SessionMaxAge())
	assert.Equal(t, 5*time.Second, cfg.SessionLockTimeout())
	assert.Equal(t, 2*time.Minute, cfg.AliasReservationTTL())
	assert.Equal(t, 30*time.Minute, cfg.TokenCheckInterval())
	assert.Equal(t, 20*time.Second, cfg.SignatureWait())
	assert.Equal(t, 465, cfg.SMTPPort)
	assert.True(t, cfg.SMTPUseSSL)
	assert.False(t, cfg.EmailEnabled())
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Setenv("BASE_DIR", dir)
	t.Setenv("SESSION_CLEANUP_HOURS", "6")
	t.Setenv("LOGIN_POLL_ATTEMPTS", "10")
	t.Setenv("SMTP_SERVER", "smtp.example.com")
	t.Setenv("SMTP_SENDER_EMAIL", "bot@example.com")
	t.Setenv("SMTP_SENDER_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.BaseDir)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionDir)
	assert.Equal(t, 6*time.Hour, cfg.SessionMaxAge())
	assert.Equal(t, 10, cfg.LoginPollAttempts)
	assert.True(t, cfg.EmailEnabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("timezone", func(t *testing.T) {
		t.Setenv("TIMEZONE", "Mars/Olympus")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("sender email", func(t *testing.T) {
		t.Setenv("SMTP_SENDER_EMAIL", "not-an-address")
		_, err := Load("")
		assert.Error(t, err)
	})
}
