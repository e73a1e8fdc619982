package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, jwt_sub, alias, email, password_hash, authorization, jwt_exp,
	token_expiring_notified, token_expired_notified, role, is_approved, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var sub sql.NullString
	err := row.Scan(&u.ID, &sub, &u.Alias, &u.Email, &u.PasswordHash, &u.Authorization, &u.JWTExp,
		&u.TokenExpiringNotified, &u.TokenExpiredNotified, &u.Role, &u.IsApproved, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.JWTSub = sub.String
	return u, nil
}

func (db *DB) queryUser(query string, args ...any) (*User, error) {
	u, err := scanUser(db.conn.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (db *DB) queryUsers(query string, args ...any) ([]*User, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateUser inserts a user
func (db *DB) CreateUser(u *User) error {
	now := db.now()
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.JWTExp == "" {
		u.JWTExp = JWTExpUnset
	}
	result, err := db.conn.Exec(`
		INSERT INTO users (jwt_sub, alias, email, password_hash, authorization, jwt_exp,
			token_expiring_notified, token_expired_notified, role, is_approved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullString(u.JWTSub), u.Alias, u.Email, u.PasswordHash, u.Authorization, u.JWTExp,
		u.TokenExpiringNotified, u.TokenExpiredNotified, u.Role, u.IsApproved, now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(id int64) (*User, error) {
	return db.queryUser(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByJWTSub retrieves a user by external identity
func (db *DB) GetUserByJWTSub(sub string) (*User, error) {
	if sub == "" {
		return nil, ErrNotFound
	}
	return db.queryUser(`SELECT `+userColumns+` FROM users WHERE jwt_sub = ?`, sub)
}

// GetUserByAlias retrieves a user by alias
func (db *DB) GetUserByAlias(alias string) (*User, error) {
	return db.queryUser(`SELECT `+userColumns+` FROM users WHERE alias = ?`, alias)
}

// ListUsers retrieves all users
func (db *DB) ListUsers() ([]*User, error) {
	return db.queryUsers(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
}

// ListAdmins retrieves users with the admin role
func (db *DB) ListAdmins() ([]*User, error) {
	return db.queryUsers(`SELECT `+userColumns+` FROM users WHERE role = ? ORDER BY id`, RoleAdmin)
}

// ListPendingUsers retrieves users awaiting approval
func (db *DB) ListPendingUsers() ([]*User, error) {
	return db.queryUsers(`SELECT `+userColumns+` FROM users WHERE is_approved = 0 ORDER BY created_at`)
}

// ListUsersWithCredential retrieves users holding a credential, for the expiry scan
func (db *DB) ListUsersWithCredential() ([]*User, error) {
	return db.queryUsers(`SELECT `+userColumns+` FROM users WHERE authorization != '' ORDER BY id`)
}

// UpdateCredential stores a renewed credential and re-arms both notification flags
func (db *DB) UpdateCredential(userID int64, authorization, jwtExp string) error {
	result, err := db.conn.Exec(`
		UPDATE users SET authorization = ?, jwt_exp = ?,
			token_expiring_notified = 0, token_expired_notified = 0, updated_at = ?
		WHERE id = ?
	`, authorization, jwtExp, db.now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return expectOneRow(result)
}

// SetTokenExpiringNotified marks the "expiring soon" notice as sent
func (db *DB) SetTokenExpiringNotified(userID int64) error {
	_, err := db.conn.Exec(`UPDATE users SET token_expiring_notified = 1, updated_at = ? WHERE id = ?`, db.now(), userID)
	return err
}

// SetTokenExpiredNotified marks the "expired" notice as sent
func (db *DB) SetTokenExpiredNotified(userID int64) error {
	_, err := db.conn.Exec(`UPDATE users SET token_expired_notified = 1, updated_at = ? WHERE id = ?`, db.now(), userID)
	return err
}

// ApproveUser marks a user approved
func (db *DB) ApproveUser(userID int64) error {
	result, err := db.conn.Exec(`UPDATE users SET is_approved = 1, updated_at = ? WHERE id = ?`, db.now(), userID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// DeleteUser deletes a user together with its tasks and records
func (db *DB) DeleteUser(userID int64) error {
	result, err := db.conn.Exec("DELETE FROM users WHERE id = ?", userID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// PurgeUnapprovedUsers deletes plain users still unapproved and created before cutoff
func (db *DB) PurgeUnapprovedUsers(cutoff time.Time) ([]*User, error) {
	users, err := db.queryUsers(`SELECT `+userColumns+` FROM users
		WHERE is_approved = 0 AND role = ? AND created_at < ?`, RoleUser, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if _, err := db.conn.Exec("DELETE FROM users WHERE id = ? AND is_approved = 0", u.ID); err != nil {
			return nil, fmt.Errorf("failed to purge user %d: %w", u.ID, err)
		}
	}
	return users, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
