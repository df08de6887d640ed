package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type UserLevel int16

const (
	LevelGuest UserLevel = 0
	LevelUser  UserLevel = 1
	LevelSysop UserLevel = 2
)

type User struct {
	ID               int64
	Handle           string
	Email            string
	EmailVerified    bool
	PasswordHash     string
	UserLevel        UserLevel
	RealName         *string
	Location         *string
	Signature        *string
	Bio              *string
	CreatedAt        time.Time
	LastLogin        *time.Time
	TotalLogins      int64
	TotalTimeMinutes int64
	MessagesSent     int64
	GamesPlayed      int64
}

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, handle, email, email_verified, password_hash, user_level,
	real_name, location, signature, bio, created_at, last_login,
	total_logins, total_time_minutes, messages_sent, games_played`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Handle, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.UserLevel,
		&u.RealName, &u.Location, &u.Signature, &u.Bio, &u.CreatedAt, &u.LastLogin,
		&u.TotalLogins, &u.TotalTimeMinutes, &u.MessagesSent, &u.GamesPlayed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) ByHandle(ctx context.Context, handle string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle_lower = $1`, strings.ToLower(handle))
	return scanUser(row)
}

func (r *UserRepo) ByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email_lower = $1`, strings.ToLower(email))
	return scanUser(row)
}

func (r *UserRepo) ByID(ctx context.Context, id int64) (*User, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *UserRepo) HandleExists(ctx context.Context, handle string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE handle_lower = $1)`, strings.ToLower(handle),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("handle exists: %w", err)
	}
	return exists, nil
}

func (r *UserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email_lower = $1)`, strings.ToLower(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("email exists: %w", err)
	}
	return exists, nil
}

// Create inserts a new user row. Handle/email uniqueness is enforced
// by the unique indexes on handle_lower/email_lower; a race between a
// pre-check and this insert surfaces here as a wrapped pgx error, not
// a silent second row.
func (r *UserRepo) Create(ctx context.Context, handle, email, passwordHash string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`INSERT INTO users (handle, handle_lower, email, email_lower, password_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		handle, strings.ToLower(handle), email, strings.ToLower(email), passwordHash,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// CreateWithVerification inserts the user row and its registration
// verification code in one transaction, so a crash between the two
// writes can't strand a user with no code to verify against.
func (r *UserRepo) CreateWithVerification(ctx context.Context, handle, email, passwordHash, code string, codeTTL time.Duration) (*User, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create user begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`INSERT INTO users (handle, handle_lower, email, email_lower, password_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		handle, strings.ToLower(handle), email, strings.ToLower(email), passwordHash,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	now := time.Now()
	if _, err := tx.Exec(ctx,
		`INSERT INTO verification_codes (email, type, code, created_at, expires_at, used)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (email, type) DO UPDATE
		   SET code = EXCLUDED.code, created_at = EXCLUDED.created_at,
		       expires_at = EXCLUDED.expires_at, used = FALSE`,
		email, VerificationRegistration, code, now, now.Add(codeTTL),
	); err != nil {
		return nil, fmt.Errorf("issue registration code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create user commit: %w", err)
	}
	return u, nil
}

func (r *UserRepo) SetEmailVerified(ctx context.Context, userID int64, verified bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET email_verified = $2 WHERE id = $1`, userID, verified)
	if err != nil {
		return fmt.Errorf("set email verified: %w", err)
	}
	return nil
}

func (r *UserRepo) RecordLogin(ctx context.Context, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET last_login = NOW(), total_logins = total_logins + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// AddTimeMinutes atomically increments a user's total connected time.
func (r *UserRepo) AddTimeMinutes(ctx context.Context, userID int64, minutes int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET total_time_minutes = total_time_minutes + $2 WHERE id = $1`, userID, minutes)
	if err != nil {
		return fmt.Errorf("add time minutes: %w", err)
	}
	return nil
}

func (r *UserRepo) IncrementMessagesSent(ctx context.Context, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET messages_sent = messages_sent + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment messages sent: %w", err)
	}
	return nil
}

func (r *UserRepo) IncrementGamesPlayed(ctx context.Context, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET games_played = games_played + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment games played: %w", err)
	}
	return nil
}

type ProfileUpdate struct {
	RealName  *string
	Location  *string
	Signature *string
	Bio       *string
}

func (r *UserRepo) UpdateProfile(ctx context.Context, userID int64, p ProfileUpdate) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET real_name = $2, location = $3, signature = $4, bio = $5 WHERE id = $1`,
		userID, p.RealName, p.Location, p.Signature, p.Bio,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// LastCallers returns the most recently logged-in users, most recent first.
func (r *UserRepo) LastCallers(ctx context.Context, limit int) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE last_login IS NOT NULL
		 ORDER BY last_login DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("last callers: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
