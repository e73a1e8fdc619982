package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateTemplate inserts a payload template
func (db *DB) CreateTemplate(tpl *Template) error {
	now := db.now()
	result, err := db.conn.Exec(`
		INSERT INTO task_templates (name, description, payload_config, created_at) VALUES (?, ?, ?, ?)
	`, tpl.Name, tpl.Description, tpl.PayloadConfig, now)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	tpl.ID = id
	tpl.CreatedAt = now
	return nil
}

// GetTemplate retrieves a template by ID
func (db *DB) GetTemplate(id int64) (*Template, error) {
	tpl := &Template{}
	err := db.conn.QueryRow(`
		SELECT id, name, description, payload_config, created_at FROM task_templates WHERE id = ?
	`, id).Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.PayloadConfig, &tpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// ListTemplates retrieves all templates
func (db *DB) ListTemplates() ([]*Template, error) {
	rows, err := db.conn.Query(`SELECT id, name, description, payload_config, created_at FROM task_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl := &Template{}
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.PayloadConfig, &tpl.CreatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}
