package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"setu/core/store"
	"setu/core/utils"
)

var ErrSessionInvalid = errors.New("session invalid or expired")

type Session struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager issues opaque bearer tokens. Only the sha256 of a token is
// stored.
type SessionManager struct {
	store  store.SessionsStore
	ttl    time.Duration
	logger *utils.Logger
}

func NewSessionManager(sessions store.SessionsStore, ttl time.Duration, logger *utils.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &SessionManager{store: sessions, ttl: ttl, logger: logger}
}

func (m *SessionManager) Create(ctx context.Context, user *store.User) (*Session, error) {
	token := uuid.Must(uuid.NewV4()).String() + uuid.Must(uuid.NewV4()).String()
	now := utils.NowUTC()
	rec := &store.SessionRecord{
		ID:        uuid.Must(uuid.NewV4()).String(),
		UserID:    user.ID,
		TokenHash: utils.Sha256Hex(token),
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	return &Session{ID: rec.ID, UserID: user.ID, Token: token, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Resolve returns the live session for token.
func (m *SessionManager) Resolve(ctx context.Context, token string) (*store.SessionRecord, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	rec, err := m.store.GetSessionByTokenHash(ctx, utils.Sha256Hex(token))
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.RevokedAt != nil || !utils.NowUTC().Before(rec.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	return rec, nil
}

func (m *SessionManager) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.RevokeSession(ctx, utils.Sha256Hex(token))
}

// Purge removes expired and revoked sessions.
func (m *SessionManager) Purge(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, utils.NowUTC())
	if err == nil && n > 0 {
		m.logger.Printf("purged %d session(s)", n)
	}
	return n, err
}
