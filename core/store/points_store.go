package store

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidAmount = errors.New("grant amount must be positive")

type PointsStore interface {
	Grant(ctx context.Context, grant *PointGrant) (bool, error)
	ListGrants(ctx context.Context, userID string) ([]PointGrant, error)
}

type pointsStore struct {
	db *DB
}

func NewPointsStore(db *DB) PointsStore {
	return &pointsStore{db: db}
}

// Grant journals the grant and increments the user's points in one
// transaction. A repeated (user, reason, ref) is a no-op and returns false.
func (s *pointsStore) Grant(ctx context.Context, grant *PointGrant) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	granted, err := grantTx(ctx, tx, grant)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return granted, nil
}

func (s *pointsStore) ListGrants(ctx context.Context, userID string) ([]PointGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, reason, ref_id, amount, created_at FROM point_grants
		WHERE user_id=? ORDER BY created_at ASC, reason ASC, ref_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PointGrant
	for rows.Next() {
		var g PointGrant
		if err := rows.Scan(&g.UserID, &g.Reason, &g.RefID, &g.Amount, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// grantTx never reads the current balance; the increment is a single
// statement so concurrent grants to one user cannot lose updates.
func grantTx(ctx context.Context, tx *Tx, grant *PointGrant) (bool, error) {
	if grant.Amount <= 0 {
		return false, ErrInvalidAmount
	}
	if strings.TrimSpace(grant.UserID) == "" || strings.TrimSpace(grant.Reason) == "" {
		return false, errors.New("grant requires user and reason")
	}
	grant.CreatedAt = now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO point_grants(user_id, reason, ref_id, amount, created_at)
		VALUES(?,?,?,?,?) ON CONFLICT (user_id, reason, ref_id) DO NOTHING`,
		grant.UserID, grant.Reason, grant.RefID, grant.Amount, grant.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, ErrNotFound
		}
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}
	res, err = tx.ExecContext(ctx, `UPDATE users SET points = points + ?, updated_at=? WHERE id=?`, grant.Amount, grant.CreatedAt, grant.UserID)
	if err != nil {
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func isForeignKeyViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key") || strings.Contains(msg, "sqlstate 23503")
}
