package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/executor"
	"github.com/kylemclaren/checkin-tasks/internal/login"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
	"github.com/kylemclaren/checkin-tasks/internal/scheduler"
	"github.com/kylemclaren/checkin-tasks/internal/stream"
	"github.com/sirupsen/logrus"
)

// Deps are the components the API drives
type Deps struct {
	DB        *db.DB
	Scheduler *scheduler.Synchronizer // may be nil
	Executor  *executor.Executor
	Login     *login.Orchestrator
	StreamMgr *stream.Manager
	Notifier  notify.Notifier
	Logger    logrus.FieldLogger
	// RegistrationCooldown is the lifetime of the reg_limit cookie
	RegistrationCooldown time.Duration
}

// Server represents the API server
type Server struct {
	db        *db.DB
	scheduler *scheduler.Synchronizer
	executor  *executor.Executor
	login     *login.Orchestrator
	streamMgr *stream.Manager
	notifier  notify.Notifier
	logger    logrus.FieldLogger
	validate  *validator.Validate
	cooldown  time.Duration
	router    chi.Router
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	streamMgr := deps.StreamMgr
	if streamMgr == nil {
		streamMgr = stream.NewManager()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	s := &Server{
		db:        deps.DB,
		scheduler: deps.Scheduler,
		executor:  deps.Executor,
		login:     deps.Login,
		streamMgr: streamMgr,
		notifier:  notifier,
		logger:    deps.Logger.WithField("component", "api"),
		validate:  validator.New(),
		cooldown:  deps.RegistrationCooldown,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	// API routes - all at top level to avoid chi subrouter issues with multiple params
	r.Get("/api/v1/health", s.HealthCheck)

	// Login sessions
	r.Post("/api/v1/login/sessions", s.StartLogin)
	r.Get("/api/v1/login/sessions/{id}", s.GetLoginStatus)
	r.Post("/api/v1/login/sessions/{id}/cancel", s.CancelLogin)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Post("/api/v1/tasks/from-template", s.CreateTaskFromTemplate)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Put("/api/v1/tasks/{id}", s.UpdateTask)
	r.Delete("/api/v1/tasks/{id}", s.DeleteTask)
	r.Post("/api/v1/tasks/{id}/toggle", s.ToggleTask)
	r.Post("/api/v1/tasks/{id}/check-in", s.CheckIn)
	r.Get("/api/v1/tasks/{id}/records", s.GetTaskRecords)

	// Records
	r.Get("/api/v1/records/{id}", s.GetRecordStatus)
	r.Get("/api/v1/records/{id}/stream", s.StreamRecord)
	r.Get("/api/v1/users/{id}/records", s.GetUserRecords)

	// Templates
	r.Get("/api/v1/templates", s.ListTemplates)
	r.Get("/api/v1/templates/{id}", s.GetTemplate)

	// Admin
	r.Post("/api/v1/admin/check-in/batch", s.BatchCheckIn)
	r.Get("/api/v1/admin/records", s.ListAllRecords)
	r.Get("/api/v1/admin/users/pending", s.ListPendingUsers)
	r.Post("/api/v1/admin/users/{id}/approve", s.ApproveUser)
	r.Post("/api/v1/admin/users/{id}/reject", s.RejectUser)

	// Settings
	r.Get("/api/v1/settings", s.GetSettings)
	r.Put("/api/v1/settings", s.UpdateSettings)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
