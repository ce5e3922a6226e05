package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SessionsStore interface {
	CreateSession(ctx context.Context, sess *SessionRecord) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*SessionRecord, error)
	RevokeSession(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type sessionsStore struct {
	db *DB
}

func NewSessionsStore(db *DB) SessionsStore {
	return &sessionsStore{db: db}
}

func (s *sessionsStore) CreateSession(ctx context.Context, sess *SessionRecord) error {
	sess.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, user_id, token_hash, created_at, expires_at)
		VALUES(?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt.UTC())
	return err
}

func (s *sessionsStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*SessionRecord, error) {
	var sess SessionRecord
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, revoked_at
		FROM sessions WHERE token_hash=?`, tokenHash).
		Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if revoked.Valid {
		sess.RevokedAt = &revoked.Time
	}
	return &sess, nil
}

func (s *sessionsStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE token_hash=? AND revoked_at IS NULL`, now(), tokenHash)
	return err
}

func (s *sessionsStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ? OR revoked_at IS NOT NULL`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
