package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/login"
	"github.com/kylemclaren/checkin-tasks/internal/sessionstore"
)

// registrationCookie identifies a client across registration attempts
const registrationCookie = "reg_limit"

// StartLogin handles POST /api/v1/login/sessions
func (s *Server) StartLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, describeValidation(err), nil)
		return
	}

	cookie := ""
	if c, err := r.Cookie(registrationCookie); err == nil {
		cookie = c.Value
	}

	// The cooldown only limits new registrations, renewals are never throttled
	if cookie != "" && !s.login.Aliases().CookieAllowed(cookie) {
		if _, err := s.db.GetUserByAlias(req.Alias); errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusTooManyRequests, "注册过于频繁，请稍后再试", nil)
			return
		}
	}

	if cookie == "" {
		cookie = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     registrationCookie,
			Value:    cookie,
			Path:     "/",
			MaxAge:   int(s.cooldown.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	sessionID, err := s.login.StartSession(r.Context(), login.StartRequest{
		Alias:    req.Alias,
		ClientIP: r.RemoteAddr,
		Cookie:   cookie,
	})
	switch {
	case err == nil:
	case errors.Is(err, login.ErrAliasRequired):
		s.errorResponse(w, http.StatusBadRequest, "Alias is required", err)
		return
	case errors.Is(err, login.ErrTestAccount):
		s.errorResponse(w, http.StatusForbidden, err.Error(), nil)
		return
	case errors.Is(err, login.ErrAliasReserved):
		s.errorResponse(w, http.StatusConflict, err.Error(), nil)
		return
	default:
		s.errorResponse(w, http.StatusInternalServerError, "Failed to start login", err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, LoginStartedResponse{
		SessionID: sessionID,
		Message:   "登录会话已创建，请轮询状态获取二维码",
	})
}

// GetLoginStatus handles GET /api/v1/login/sessions/{id}
func (s *Server) GetLoginStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.login.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

// CancelLogin handles POST /api/v1/login/sessions/{id}/cancel
func (s *Server) CancelLogin(w http.ResponseWriter, r *http.Request) {
	view, err := s.login.CancelSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Login session not found or expired", nil)
	case errors.Is(err, login.ErrAlreadySucceeded):
		s.errorResponse(w, http.StatusConflict, "Login already succeeded", nil)
	case errors.Is(err, login.ErrCommitting):
		s.errorResponse(w, http.StatusConflict, "Login is completing, cancel refused", nil)
	case errors.Is(err, sessionstore.ErrLockTimeout):
		s.errorResponse(w, http.StatusServiceUnavailable, "Login session busy, retry", err)
	default:
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read login session", err)
	}
}
