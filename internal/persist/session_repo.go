package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Session struct {
	Token        string
	UserID       int64
	NodeID       *int
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, token string, userID int64, ttl time.Duration) (*Session, error) {
	now := time.Now()
	s := &Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, created_at, last_activity, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.Token, s.UserID, s.CreatedAt, s.LastActivity, s.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) ByToken(ctx context.Context, token string) (*Session, error) {
	s := &Session{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT token, user_id, node_id, created_at, last_activity, expires_at
		 FROM sessions WHERE token = $1`, token,
	).Scan(&s.Token, &s.UserID, &s.NodeID, &s.CreatedAt, &s.LastActivity, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session by token: %w", err)
	}
	return s, nil
}

// LiveForUser returns the user's session row if one exists whose
// last_activity is still within the session TTL — the duplicate
// session check. The TTL is recovered per row as expires_at -
// created_at, so the liveness window slides with activity.
func (r *SessionRepo) LiveForUser(ctx context.Context, userID int64) (*Session, error) {
	s := &Session{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT token, user_id, node_id, created_at, last_activity, expires_at
		 FROM sessions WHERE user_id = $1 AND last_activity + (expires_at - created_at) > NOW()
		 ORDER BY last_activity DESC LIMIT 1`, userID,
	).Scan(&s.Token, &s.UserID, &s.NodeID, &s.CreatedAt, &s.LastActivity, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live session for user: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) SetNode(ctx context.Context, token string, nodeID int) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sessions SET node_id = $2 WHERE token = $1`, token, nodeID)
	if err != nil {
		return fmt.Errorf("set session node: %w", err)
	}
	return nil
}

func (r *SessionRepo) Touch(ctx context.Context, token string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sessions SET last_activity = NOW() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepo) DeleteByUser(ctx context.Context, userID int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	return nil
}
