package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

type UsersStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, id, displayName, city string) error
	CountUsersByRole(ctx context.Context, role Role) (int, error)
	TopByPoints(ctx context.Context, role Role, n int) ([]User, error)
}

type usersStore struct {
	db *DB
}

func NewUsersStore(db *DB) UsersStore {
	return &usersStore{db: db}
}

const userColumns = `id, display_name, email, password_hash, role, city, points, created_at, updated_at`

func (s *usersStore) CreateUser(ctx context.Context, user *User) error {
	ts := now()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(`+userColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		user.ID, user.DisplayName, user.Email, user.PasswordHash, string(user.Role), user.City, 0, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	user.Points = 0
	user.CreatedAt = ts
	user.UpdatedAt = ts
	return nil
}

func (s *usersStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return scanUser(row)
}

func (s *usersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email)
	return scanUser(row)
}

func (s *usersStore) UpdateProfile(ctx context.Context, id, displayName, city string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name=?, city=?, updated_at=? WHERE id=?`,
		displayName, city, now(), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *usersStore) CountUsersByRole(ctx context.Context, role Role) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role=?`, string(role)).Scan(&n)
	return n, err
}

// TopByPoints orders by points descending with the id as a stable tie-break.
// An empty role ranks every user.
func (s *usersStore) TopByPoints(ctx context.Context, role Role, n int) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY points DESC, id ASC LIMIT ?`
	args = append(args, n)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &role, &u.City, &u.Points, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "sqlstate 23505")
}
