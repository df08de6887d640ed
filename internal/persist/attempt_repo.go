package persist

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type AttemptRepo struct {
	db *DB
}

func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Record stores the attempt under the lowercased handle, so lockout
// counting shares one bucket with the case-insensitive handle lookup.
func (r *AttemptRepo) Record(ctx context.Context, handle string, success bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO login_attempts (handle, success) VALUES ($1, $2)`,
		strings.ToLower(handle), success)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

func (r *AttemptRepo) RecentFailureCount(ctx context.Context, handle string, window time.Duration) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_attempts
		 WHERE handle = $1 AND success = FALSE AND at > $2`,
		strings.ToLower(handle), time.Now().Add(-window),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recent failure count: %w", err)
	}
	return count, nil
}

// IsLockedOut reports whether handle has reached the failure
// threshold within window. Degrades to "not locked out" on a store
// error for this read path, matching spec §7's graceful-degradation
// policy for non-critical reads — callers that need the authoritative
// answer should check the returned error instead of ignoring it.
func (r *AttemptRepo) IsLockedOut(ctx context.Context, handle string, threshold int, window time.Duration) (bool, error) {
	count, err := r.RecentFailureCount(ctx, handle, window)
	if err != nil {
		return false, err
	}
	return count >= threshold, nil
}
