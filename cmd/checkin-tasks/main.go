package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kylemclaren/checkin-tasks/internal/api"
	"github.com/kylemclaren/checkin-tasks/internal/browser"
	"github.com/kylemclaren/checkin-tasks/internal/config"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/executor"
	"github.com/kylemclaren/checkin-tasks/internal/logging"
	"github.com/kylemclaren/checkin-tasks/internal/login"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/scheduler"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
	"github.com/kylemclaren/checkin-tasks/internal/stream"
	"github.com/kylemclaren/checkin-tasks/internal/tui"
	"github.com/kylemclaren/checkin-tasks/internal/upstream"
	"github.com/kylemclaren/checkin-tasks/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	streamMaxAge    = time.Hour
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "checkin-tasks",
		Short:         "Schedule and run QQ group check-ins",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(
		newServeCmd(),
		newDaemonCmd(),
		newLoginCmd(),
		newRecordsCmd(),
		newReconcileCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler in the foreground without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func newLoginCmd() *cobra.Command {
	var qrPath string
	cmd := &cobra.Command{
		Use:   "login <alias>",
		Short: "Log in (or register) an alias by scanning a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(args[0], qrPath)
		},
	}
	cmd.Flags().StringVar(&qrPath, "qr", "", "where to write the QR code image (default <base_dir>/qrcode.png)")
	return cmd
}

func newRecordsCmd() *cobra.Command {
	var opts tui.RecordsOptions
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Browse check-in records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := db.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer database.Close()
			return tui.Run(database, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.TaskID, "task", 0, "only records of this task")
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "only records of this user's tasks")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 50, "records per page")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the job set from the database once and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating base directory: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

// app is every long-lived component of one process
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	db        *db.DB
	streamMgr *stream.Manager
	notifier  notify.Notifier
	executor  *executor.Executor
	login     *login.Orchestrator
	lease     *scheduler.LeaseManager
	scheduler *scheduler.Synchronizer
}

// newApp builds the component graph. With schedule set the process
// competes for the scheduler lease; otherwise its synchronizer is a
// follower and never runs jobs.
func newApp(cfg *config.Config, logger *logrus.Logger, schedule bool) (*app, error) {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	store, err := sessionstore.NewFileStore(cfg.SessionDir, cfg.SessionLockTimeout())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("initializing session store: %w", err)
	}

	driver := browser.NewChrome(browser.ChromeOptions{
		ExecPath:      cfg.ChromeBinaryPath,
		Headless:      cfg.BrowserHeadless,
		SignatureWait: cfg.SignatureWait(),
	}, logger)

	notifiers := notify.Multi{notify.NewWebhooks(database, logger)}
	if cfg.EmailEnabled() {
		notifiers = append(notifiers, notify.NewEmail(notify.SMTPConfig{
			Host:        cfg.SMTPServer,
			Port:        cfg.SMTPPort,
			From:        cfg.SMTPSenderEmail,
			Password:    cfg.SMTPSenderPassword,
			UseSSL:      cfg.SMTPUseSSL,
			FrontendURL: cfg.FrontendURL,
		}, database, logger))
	} else {
		logger.Warn("SMTP not configured, email notifications disabled")
	}

	streamMgr := stream.NewManager()
	client := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamTimeout())
	exec := executor.New(database, driver, client, notifiers, streamMgr, logger, executor.Options{})

	orchestrator := login.New(store, driver, database, login.NewAliasRegistry(), notifiers, logger, login.Options{
		PollAttempts:         cfg.LoginPollAttempts,
		ReservationTTL:       cfg.AliasReservationTTL(),
		RegistrationCooldown: cfg.RegistrationCooldown(),
	})

	lease := scheduler.NewLeaseManager(cfg.SchedulerLockPath())
	leader := false
	if schedule {
		leader, err = lease.Acquire()
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	sync := scheduler.New(database, exec, leader, cfg.Location(), logger)
	sync.SetResyncInterval(cfg.SchedulerResyncInterval())

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		streamMgr: streamMgr,
		notifier:  notifiers,
		executor:  exec,
		login:     orchestrator,
		lease:     lease,
		scheduler: sync,
	}, nil
}

// startScheduler registers the system jobs and starts cron. On a follower
// it only logs.
func (a *app) startScheduler() error {
	if a.scheduler.IsLeader() {
		maint := scheduler.NewMaintenance(a.db, a.login, a.notifier, a.logger, scheduler.MaintenanceOptions{
			SessionMaxAge:    a.cfg.SessionMaxAge(),
			ExpiringWindow:   a.cfg.TokenExpiringWindow(),
			UnapprovedMaxAge: a.cfg.UnapprovedUserMaxAge(),
		})
		maint.OnSweep(func() { a.login.Aliases().Cleanup() })
		maint.OnSweep(func() { a.streamMgr.CleanupOldStreams(streamMaxAge) })
		maint.Register(a.scheduler, a.cfg.SessionSweepInterval(), a.cfg.TokenCheckInterval())
		maint.FailStaleRecords()
	} else {
		a.logger.Info("Another process holds the scheduler lock, this one serves requests only")
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	return nil
}

// close stops everything in dependency order: no new triggers, then drain
// background work, then the lease and the database.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.scheduler.Stop()
	if err := a.login.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Login workers did not finish")
	}
	if err := a.executor.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Check-ins did not finish")
	}
	if err := a.lease.Release(); err != nil {
		a.logger.WithError(err).Warn("Failed to release scheduler lock")
	}
	a.db.Close()
}

func runServer(addr string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startScheduler(); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		DB:                   a.db,
		Scheduler:            a.scheduler,
		Executor:             a.executor,
		Login:                a.login,
		StreamMgr:            a.streamMgr,
		Notifier:             a.notifier,
		Logger:               logger,
		RegistrationCooldown: cfg.RegistrationCooldown(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.HTTPAddr,
			"database": cfg.DatabasePath,
			"leader":   a.scheduler.IsLeader(),
			"version":  version.Short(),
		}).Info("checkin-tasks API server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runDaemon() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if pid, running := isDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.scheduler.IsLeader() {
		return errors.New("another process holds the scheduler lock")
	}

	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	if err := a.startScheduler(); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"pid":      os.Getpid(),
		"database": cfg.DatabasePath,
		"jobs":     len(a.scheduler.JobIDs()),
	}).Info("checkin-tasks daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down daemon")
	return nil
}

func runLogin(alias, qrPath string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the log out of the TUI
	logger.SetOutput(logFile(cfg))

	if qrPath == "" {
		qrPath = filepath.Join(cfg.BaseDir, "qrcode.png")
	}

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.login.StartSession(context.Background(), login.StartRequest{Alias: alias})
	if err != nil {
		return err
	}

	view, err := tui.RunLogin(a.login, id, qrPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s: user #%d %s\n", view.Message, view.UserID, view.Alias)
	return nil
}

func runReconcile() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.scheduler.IsLeader() {
		return fmt.Errorf("another process holds the scheduler lock; it resyncs every %s", cfg.SchedulerResyncInterval())
	}

	n, err := a.scheduler.ReconcileAll()
	if err != nil {
		return fmt.Errorf("reconciling tasks: %w", err)
	}
	fmt.Printf("%d scheduled tasks\n", n)
	for _, id := range a.scheduler.JobIDs() {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

// logFile opens <base_dir>/checkin-tasks.log for append, or discards when it
// cannot.
func logFile(cfg *config.Config) io.Writer {
	f, err := os.OpenFile(filepath.Join(cfg.BaseDir, "checkin-tasks.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return io.Discard
	}
	return f
}

// isDaemonRunning checks if a daemon is running by reading PID file and checking process
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}
