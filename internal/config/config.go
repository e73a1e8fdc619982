package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable of the service. Keys map 1:1 onto upper-case
// environment variables (session_dir -> SESSION_DIR).
type Config struct {
	BaseDir      string `mapstructure:"base_dir" validate:"required"`
	DatabasePath string `mapstructure:"database_path"`
	HTTPAddr     string `mapstructure:"http_addr" validate:"required"`
	LogLevel     string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat    string `mapstructure:"log_format" validate:"oneof=text json"`
	Timezone     string `mapstructure:"timezone" validate:"required"`

	SessionDir                  string `mapstructure:"session_dir"`
	SessionCleanupHours         int    `mapstructure:"session_cleanup_hours" validate:"min=1"`
	SessionCleanupIntervalHours int    `mapstructure:"session_cleanup_interval_hours" validate:"min=1"`
	SessionLockTimeoutSeconds   int    `mapstructure:"session_lock_timeout_seconds" validate:"min=1"`
	LoginPollAttempts           int    `mapstructure:"login_poll_attempts" validate:"min=1"`
	AliasReservationSeconds     int    `mapstructure:"alias_reservation_seconds" validate:"min=1"`
	RegistrationCooldownSeconds int    `mapstructure:"registration_cooldown_seconds" validate:"min=0"`

	TokenCheckIntervalMinutes  int `mapstructure:"token_check_interval_minutes" validate:"min=1"`
	TokenExpiringWindowMinutes int `mapstructure:"token_expiring_window_minutes" validate:"min=1"`
	UnapprovedUserMaxAgeHours  int `mapstructure:"unapproved_user_max_age_hours" validate:"min=1"`
	SchedulerResyncSeconds     int `mapstructure:"scheduler_resync_seconds" validate:"min=0"`

	UpstreamURL            string `mapstructure:"upstream_url" validate:"required,url"`
	UpstreamTimeoutSeconds int    `mapstructure:"upstream_timeout_seconds" validate:"min=1"`
	SignatureWaitSeconds   int    `mapstructure:"signature_wait_seconds" validate:"min=1"`
	ChromeBinaryPath       string `mapstructure:"chrome_binary_path"`
	BrowserHeadless        bool   `mapstructure:"browser_headless"`

	SMTPServer         string `mapstructure:"smtp_server"`
	SMTPPort           int    `mapstructure:"smtp_port" validate:"min=0,max=65535"`
	SMTPSenderEmail    string `mapstructure:"smtp_sender_email" validate:"omitempty,email"`
	SMTPSenderPassword string `mapstructure:"smtp_sender_password"`
	SMTPUseSSL         bool   `mapstructure:"smtp_use_ssl"`
	FrontendURL        string `mapstructure:"frontend_url"`
}

func setDefaults(v *viper.Viper, baseDir string) {
	v.SetDefault("base_dir", baseDir)
	v.SetDefault("database_path", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("timezone", "Asia/Shanghai")

	v.SetDefault("session_dir", "")
	v.SetDefault("session_cleanup_hours", 24)
	v.SetDefault("session_cleanup_interval_hours", 24)
	v.SetDefault("session_lock_timeout_seconds", 5)
	v.SetDefault("login_poll_attempts", 120)
	v.SetDefault("alias_reservation_seconds", 120)
	v.SetDefault("registration_cooldown_seconds", 600)

	v.SetDefault("token_check_interval_minutes", 30)
	v.SetDefault("token_expiring_window_minutes", 30)
	v.SetDefault("unapproved_user_max_age_hours", 24)
	v.SetDefault("scheduler_resync_seconds", 60)

	v.SetDefault("upstream_url", "https://api.jielong.com/api/CheckIn/EditRecord")
	v.SetDefault("upstream_timeout_seconds", 30)
	v.SetDefault("signature_wait_seconds", 20)
	v.SetDefault("chrome_binary_path", "")
	v.SetDefault("browser_headless", true)

	v.SetDefault("smtp_server", "")
	v.SetDefault("smtp_port", 465)
	v.SetDefault("smtp_sender_email", "")
	v.SetDefault("smtp_sender_password", "")
	v.SetDefault("smtp_use_ssl", true)
	v.SetDefault("frontend_url", "http://localhost:5173")
}

// Load reads configuration from (in increasing priority) defaults, the
// optional config file, a .env file in the working directory, and the
// process environment.
func Load(configFile string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, filepath.Join(home, ".checkin-tasks"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.BaseDir, "checkin.db")
	}
	if c.SessionDir == "" {
		c.SessionDir = filepath.Join(c.BaseDir, "sessions")
	}
}

// SchedulerLockPath is the leader lock shared by every process on this host.
func (c *Config) SchedulerLockPath() string {
	return filepath.Join(c.BaseDir, "scheduler.lock")
}

// PIDPath is where the daemon records its pid.
func (c *Config) PIDPath() string {
	return filepath.Join(c.BaseDir, "daemon.pid")
}

// Location returns the cron timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionCleanupHours) * time.Hour
}

func (c *Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.SessionCleanupIntervalHours) * time.Hour
}

func (c *Config) SessionLockTimeout() time.Duration {
	return time.Duration(c.SessionLockTimeoutSeconds) * time.Second
}

func (c *Config) AliasReservationTTL() time.Duration {
	return time.Duration(c.AliasReservationSeconds) * time.Second
}

func (c *Config) RegistrationCooldown() time.Duration {
	return time.Duration(c.RegistrationCooldownSeconds) * time.Second
}

func (c *Config) TokenCheckInterval() time.Duration {
	return time.Duration(c.TokenCheckIntervalMinutes) * time.Minute
}

func (c *Config) TokenExpiringWindow() time.Duration {
	return time.Duration(c.TokenExpiringWindowMinutes) * time.Minute
}

func (c *Config) UnapprovedUserMaxAge() time.Duration {
	return time.Duration(c.UnapprovedUserMaxAgeHours) * time.Hour
}

// SchedulerResyncInterval is how often the leader reconciles every job
// against the database. Zero disables the loop.
func (c *Config) SchedulerResyncInterval() time.Duration {
	return time.Duration(c.SchedulerResyncSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) SignatureWait() time.Duration {
	return time.Duration(c.SignatureWaitSeconds) * time.Second
}

// EmailEnabled reports whether enough SMTP settings are present to send mail.
func (c *Config) EmailEnabled() bool {
	return c.SMTPServer != "" && c.SMTPSenderEmail != "" && c.SMTPSenderPassword != ""
}
