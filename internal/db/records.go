package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `r.id, r.task_id, r.status, r.response_text, r.error_message, r.location, r.trigger_type, r.check_in_time, r.finished_at`

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.Status, &rec.ResponseText, &rec.ErrorMessage,
		&rec.Location, &rec.TriggerType, &rec.CheckInTime, &rec.FinishedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRecord appends a record. A record may be created directly in a
// terminal state when dispatch fails before any background work starts.
func (db *DB) CreateRecord(rec *Record) error {
	now := db.now()
	if rec.Status == "" {
		rec.Status = RecordStatusPending
	}
	if rec.Location == "" {
		rec.Location = "{}"
	}
	rec.CheckInTime = now
	if rec.Status.IsTerminal() {
		rec.FinishedAt = &now
	}

	result, err := db.conn.Exec(`
		INSERT INTO check_in_records (task_id, status, response_text, error_message, location, trigger_type, check_in_time, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Status, rec.ResponseText, rec.ErrorMessage, rec.Location, rec.TriggerType, rec.CheckInTime, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// FinalizeRecord moves a pending record to a terminal status. It is the
// only write a record ever receives after creation: a second call, or a
// call against a record created terminal, returns ErrRecordFinalized.
func (db *DB) FinalizeRecord(id int64, status RecordStatus, responseText, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finalize record %d with non-terminal status %q", id, status)
	}

	result, err := db.conn.Exec(`
		UPDATE check_in_records SET status = ?, response_text = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, status, responseText, errorMessage, db.now(), id, RecordStatusPending)
	if err != nil {
		return fmt.Errorf("failed to finalize record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetRecord(id); err != nil {
		return err
	}
	return ErrRecordFinalized
}

// GetRecord retrieves a record by ID
func (db *DB) GetRecord(id int64) (*Record, error) {
	rec, err := scanRecord(db.conn.QueryRow(`SELECT `+recordColumns+` FROM check_in_records r WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetLatestRecord retrieves the most recent record for a task
func (db *DB) GetLatestRecord(taskID int64) (*Record, error) {
	rec, err := scanRecord(db.conn.QueryRow(`SELECT `+recordColumns+` FROM check_in_records r
		WHERE r.task_id = ? ORDER BY r.check_in_time DESC, r.id DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListRecords returns the records matching f, newest first, and the total
// count before pagination.
func (db *DB) ListRecords(f RecordFilter) ([]*Record, int, error) {
	var where []string
	var args []any

	if f.TaskID != 0 {
		where = append(where, "r.task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.UserID != 0 {
		where = append(where, "t.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, f.Status)
	}
	if f.TriggerType != "" {
		where = append(where, "r.trigger_type = ?")
		args = append(args, f.TriggerType)
	}

	from := ` FROM check_in_records r JOIN check_in_tasks t ON t.id = r.task_id`
	if len(where) > 0 {
		from += " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRow(`SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + from + ` ORDER BY r.check_in_time DESC, r.id DESC LIMIT ? OFFSET ?`
	rows, err := db.conn.Query(query, append(args, limit, f.Skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// FailStalePendingRecords finalizes pending records created before cutoff.
// Called when a process takes scheduler leadership, so that records whose
// worker died with a previous process do not stay pending forever.
func (db *DB) FailStalePendingRecords(cutoff time.Time, message string) (int64, error) {
	result, err := db.conn.Exec(`
		UPDATE check_in_records SET status = ?, error_message = ?, finished_at = ?
		WHERE status = ? AND check_in_time < ?
	`, RecordStatusFailure, message, db.now(), RecordStatusPending, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
