package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"setu/config"
	"setu/core/live"
	"setu/core/store"
	"setu/core/utils"
)

const (
	DefaultTopN = 10
	MaxTopN     = 100
)

type Entry struct {
	Rank        int        `json:"rank"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Role        store.Role `json:"role"`
	City        string     `json:"city,omitempty"`
	Points      int64      `json:"points"`
}

// Ledger owns point grants and the leaderboard. When a redis client is set,
// leaderboard reads are cached under a generation counter that every grant
// bumps.
type Ledger struct {
	users  store.UsersStore
	points store.PointsStore
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *utils.Logger
}

func New(users store.UsersStore, points store.PointsStore, rdb *redis.Client, cfg config.RedisConfig, logger *utils.Logger) *Ledger {
	ttl := cfg.LeaderboardTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix := strings.TrimSpace(cfg.LeaderboardKeys)
	if prefix == "" {
		prefix = "setu:leaderboard"
	}
	return &Ledger{users: users, points: points, rdb: rdb, ttl: ttl, prefix: prefix, logger: logger}
}

// Grant adds amount to the user's counter once per (reason, refID).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason, refID string) (bool, error) {
	if amount <= 0 {
		return false, store.ErrInvalidAmount
	}
	granted, err := l.points.Grant(ctx, &store.PointGrant{UserID: userID, Reason: reason, RefID: refID, Amount: amount})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidAmount) {
			return false, err
		}
		return false, utils.Retryable("grant points", err)
	}
	if granted {
		l.Invalidate(ctx)
	}
	return granted, nil
}

// TopN ranks users by points, highest first, ties by id. An empty role ranks
// everybody. n is clamped to [1, MaxTopN].
func (l *Ledger) TopN(ctx context.Context, role store.Role, n int) ([]Entry, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	if n > MaxTopN {
		n = MaxTopN
	}
	key := ""
	if l.rdb != nil {
		key = l.cacheKey(ctx, role, n)
		if key != "" {
			if raw, err := l.rdb.Get(ctx, key).Bytes(); err == nil {
				var cached []Entry
				if json.Unmarshal(raw, &cached) == nil {
					return cached, nil
				}
			} else if !errors.Is(err, redis.Nil) {
				l.logger.Debugf("leaderboard cache read: %v", err)
			}
		}
	}
	users, err := l.users.TopByPoints(ctx, role, n)
	if err != nil {
		return nil, utils.Retryable("leaderboard", err)
	}
	entries := make([]Entry, 0, len(users))
	for i, u := range users {
		entries = append(entries, Entry{Rank: i + 1, UserID: u.ID, DisplayName: u.DisplayName, Role: u.Role, City: u.City, Points: u.Points})
	}
	if key != "" {
		if raw, err := json.Marshal(entries); err == nil {
			if err := l.rdb.Set(ctx, key, raw, l.ttl).Err(); err != nil {
				l.logger.Debugf("leaderboard cache write: %v", err)
			}
		}
	}
	return entries, nil
}

// Invalidate drops every cached leaderboard by moving to a new generation.
func (l *Ledger) Invalidate(ctx context.Context) {
	if l.rdb == nil {
		return
	}
	if err := l.rdb.Incr(ctx, l.prefix+":gen").Err(); err != nil {
		l.logger.Errorf("leaderboard cache invalidate: %v", err)
	}
}

// PointsChanged and ReportChanged let the ledger sit in a lifecycle notifier chain.
func (l *Ledger) PointsChanged(ctx context.Context, _ ...string) { l.Invalidate(ctx) }

func (l *Ledger) ReportChanged(context.Context, *store.Report) {}

func (l *Ledger) cacheKey(ctx context.Context, role store.Role, n int) string {
	gen, err := l.rdb.Get(ctx, l.prefix+":gen").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ""
	}
	scope := string(role)
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("%s:%d:%s:%d", l.prefix, gen, scope, n)
}

// Subscribe pushes the current ranking and again whenever points move.
func (l *Ledger) Subscribe(ctx context.Context, hub *live.Hub, role store.Role, n int) (*live.Subscription[[]Entry], error) {
	query := func(ctx context.Context) ([]Entry, error) { return l.TopN(ctx, role, n) }
	return live.Watch(ctx, hub, live.TopicLeaderboard, query, rankingSignature, l.logger)
}

func rankingSignature(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s=%d;", e.UserID, e.Points)
	}
	return b.String()
}
