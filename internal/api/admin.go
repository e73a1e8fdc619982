package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/notify"
)

// BatchCheckIn handles POST /api/v1/admin/check-in/batch. The batch runs
// to completion before the response is written.
func (s *Server) BatchCheckIn(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, describeValidation(err), nil)
		return
	}

	summary := s.executor.Batch(r.Context(), req.TaskIDs)
	s.jsonResponse(w, http.StatusOK, BatchResponse{
		Message:      fmt.Sprintf("批量打卡完成：成功 %d，失败 %d，跳过 %d", summary.Success, summary.Failure, summary.Skipped),
		BatchSummary: summary,
	})
}

// ListPendingUsers handles GET /api/v1/admin/users/pending
func (s *Server) ListPendingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListPendingUsers()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch users", err)
		return
	}
	if users == nil {
		users = []*db.User{}
	}
	s.jsonResponse(w, http.StatusOK, UserListResponse{Users: users, Total: len(users)})
}

// ApproveUser handles POST /api/v1/admin/users/{id}/approve
func (s *Server) ApproveUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid user ID", err)
		return
	}

	user, err := s.db.GetUser(id)
	if err != nil {
		s.notFoundOr500(w, "User not found", err)
		return
	}
	if user.IsApproved {
		s.errorResponse(w, http.StatusConflict, "User already approved", nil)
		return
	}

	if err := s.db.ApproveUser(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to approve user", err)
		return
	}
	user.IsApproved = true

	s.notifier.Notify(r.Context(), user, notify.KindUserApproved, nil)
	s.logger.WithField("user_id", id).Info("User approved")

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("用户 %s 已审批通过", user.Alias),
	})
}

// RejectUser handles POST /api/v1/admin/users/{id}/reject. Rejection
// deletes the account; the user is told before the row goes away.
func (s *Server) RejectUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid user ID", err)
		return
	}

	// The body is optional
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, describeValidation(err), nil)
		return
	}

	user, err := s.db.GetUser(id)
	if err != nil {
		s.notFoundOr500(w, "User not found", err)
		return
	}
	if user.IsApproved {
		s.errorResponse(w, http.StatusConflict, "User already approved", nil)
		return
	}

	s.notifier.Notify(r.Context(), user, notify.KindUserRejected, notify.Data{"reason": req.Reason})

	// Tasks go with the user by cascade
	if tasks, err := s.db.ListTasksByUser(id); err == nil && s.scheduler != nil {
		for _, task := range tasks {
			s.scheduler.RemoveJob(task.ID)
		}
	}

	if err := s.db.DeleteUser(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete user", err)
		return
	}
	s.logger.WithField("user_id", id).Info("User rejected")

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("用户 %s 已被拒绝", user.Alias),
	})
}
