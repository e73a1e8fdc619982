package db

import (
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, user_id, name, payload_config, is_active, cron_expression, created_at, updated_at`

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var cronExpr sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.PayloadConfig, &t.Enabled, &cronExpr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.CronExpr = cronExpr.String
	return t, nil
}

func (db *DB) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask creates a new task
func (db *DB) CreateTask(task *Task) error {
	now := db.now()
	result, err := db.conn.Exec(`
		INSERT INTO check_in_tasks (user_id, name, payload_config, is_active, cron_expression, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.UserID, task.Name, task.PayloadConfig, task.Enabled, nullString(task.CronExpr), now, now)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(id int64) (*Task, error) {
	t, err := scanTask(db.conn.QueryRow(`SELECT `+taskColumns+` FROM check_in_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks retrieves all tasks
func (db *DB) ListTasks() ([]*Task, error) {
	return db.queryTasks(`SELECT ` + taskColumns + ` FROM check_in_tasks ORDER BY id`)
}

// ListTasksByUser retrieves the tasks owned by a user
func (db *DB) ListTasksByUser(userID int64) ([]*Task, error) {
	return db.queryTasks(`SELECT `+taskColumns+` FROM check_in_tasks WHERE user_id = ? ORDER BY id`, userID)
}

// ListSchedulableTasks retrieves enabled tasks that carry a cron expression.
// Syntax is not checked here; the scheduler skips expressions it cannot parse.
func (db *DB) ListSchedulableTasks() ([]*Task, error) {
	return db.queryTasks(`SELECT ` + taskColumns + ` FROM check_in_tasks
		WHERE is_active = 1 AND cron_expression IS NOT NULL AND cron_expression != '' ORDER BY id`)
}

// UpdateTask updates a task
func (db *DB) UpdateTask(task *Task) error {
	task.UpdatedAt = db.now()
	result, err := db.conn.Exec(`
		UPDATE check_in_tasks SET name = ?, payload_config = ?, is_active = ?, cron_expression = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.PayloadConfig, task.Enabled, nullString(task.CronExpr), task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return expectOneRow(result)
}

// DeleteTask deletes a task and, by cascade, its records
func (db *DB) DeleteTask(id int64) error {
	result, err := db.conn.Exec("DELETE FROM check_in_tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ToggleTask flips the enable flag and returns the updated task
func (db *DB) ToggleTask(id int64) (*Task, error) {
	result, err := db.conn.Exec("UPDATE check_in_tasks SET is_active = NOT is_active, updated_at = ? WHERE id = ?", db.now(), id)
	if err != nil {
		return nil, err
	}
	if err := expectOneRow(result); err != nil {
		return nil, err
	}
	return db.GetTask(id)
}
