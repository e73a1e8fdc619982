package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/kylemclaren/checkin-tasks/internal/stream"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	streamHeartbeat    = 15 * time.Second
)

// GetTaskRecords handles GET /api/v1/tasks/{id}/records
func (s *Server) GetTaskRecords(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	// Check task exists
	if _, err := s.db.GetTask(id); err != nil {
		s.notFoundOr500(w, "Task not found", err)
		return
	}

	filter, err := parseRecordFilter(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	filter.TaskID = id
	s.listRecords(w, filter)
}

// GetUserRecords handles GET /api/v1/users/{id}/records
func (s *Server) GetUserRecords(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid user ID", err)
		return
	}

	if _, err := s.db.GetUser(id); err != nil {
		s.notFoundOr500(w, "User not found", err)
		return
	}

	filter, err := parseRecordFilter(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	filter.UserID = id
	s.listRecords(w, filter)
}

// ListAllRecords handles GET /api/v1/admin/records
func (s *Server) ListAllRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRecordFilter(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if taskStr := r.URL.Query().Get("task_id"); taskStr != "" {
		if filter.TaskID, err = strconv.ParseInt(taskStr, 10, 64); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
			return
		}
	}
	s.listRecords(w, filter)
}

// GetRecordStatus handles GET /api/v1/records/{id}
func (s *Server) GetRecordStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid record ID", err)
		return
	}

	rec, err := s.db.GetRecord(id)
	if err != nil {
		s.notFoundOr500(w, "Record not found", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, RecordStatusResponse{
		RecordID:     rec.ID,
		TaskID:       rec.TaskID,
		Status:       rec.Status,
		Finished:     rec.Status.IsTerminal(),
		ErrorMessage: rec.ErrorMessage,
		ResponseText: rec.ResponseText,
		TriggerType:  rec.TriggerType,
		CheckInTime:  rec.CheckInTime,
		FinishedAt:   rec.FinishedAt,
	})
}

// StreamRecord handles GET /api/v1/records/{id}/stream. Progress events are
// sent as "progress" and the terminal status as a final "complete" event.
// A record that finished before the client connected gets its completion
// straight from the database.
func (s *Server) StreamRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid record ID", err)
		return
	}

	rec, err := s.db.GetRecord(id)
	if err != nil {
		s.notFoundOr500(w, "Record not found", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if rec.Status.IsTerminal() && !s.streamMgr.IsActive(id) {
		writeEvent(w, "complete", stream.CompletionEvent{
			RecordID:     rec.ID,
			Status:       string(rec.Status),
			ErrorMessage: rec.ErrorMessage,
		})
		flusher.Flush()
		return
	}

	clientID := uuid.NewString()
	client := s.streamMgr.Subscribe(id, clientID)
	defer s.streamMgr.Unsubscribe(id, clientID)

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-client.Events:
			writeEvent(w, "progress", ev)
			flusher.Flush()
		case done := <-client.Complete:
			// Drain progress that raced the completion
		drain:
			for {
				select {
				case ev := <-client.Events:
					writeEvent(w, "progress", ev)
				default:
					break drain
				}
			}
			writeEvent(w, "complete", done)
			flusher.Flush()
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) listRecords(w http.ResponseWriter, filter db.RecordFilter) {
	records, total, err := s.db.ListRecords(filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch records", err)
		return
	}
	if records == nil {
		records = []*db.Record{}
	}
	s.jsonResponse(w, http.StatusOK, RecordListResponse{
		Records: records,
		Total:   total,
		Skip:    filter.Skip,
		Limit:   filter.Limit,
	})
}

// parseRecordFilter reads skip, limit, status and trigger_type
func parseRecordFilter(r *http.Request) (db.RecordFilter, error) {
	q := r.URL.Query()
	f := db.RecordFilter{Limit: defaultRecordLimit}

	if v := q.Get("skip"); v != "" {
		skip, err := strconv.Atoi(v)
		if err != nil || skip < 0 {
			return f, validationError("skip must be a non-negative integer")
		}
		f.Skip = skip
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxRecordLimit {
			return f, validationError(fmt.Sprintf("limit must be between 1 and %d", maxRecordLimit))
		}
		f.Limit = limit
	}
	if v := q.Get("status"); v != "" {
		status := db.RecordStatus(v)
		if status != db.RecordStatusPending && !status.IsTerminal() {
			return f, validationError("Invalid status filter")
		}
		f.Status = status
	}
	if v := q.Get("trigger_type"); v != "" {
		trigger := db.TriggerType(v)
		if !trigger.Valid() {
			return f, validationError("Invalid trigger_type filter")
		}
		f.TriggerType = trigger
	}
	return f, nil
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
