package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type VerificationType string

const (
	VerificationRegistration  VerificationType = "registration"
	VerificationPasswordReset VerificationType = "password_reset"
)

type VerificationCode struct {
	Email     string
	Type      VerificationType
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

type VerificationRepo struct {
	db *DB
}

func NewVerificationRepo(db *DB) *VerificationRepo {
	return &VerificationRepo{db: db}
}

// Issue inserts a new code for (email, type), superseding any prior
// code for the same key — the primary key forces an upsert.
func (r *VerificationRepo) Issue(ctx context.Context, email string, typ VerificationType, code string, ttl time.Duration) (*VerificationCode, error) {
	now := time.Now()
	vc := &VerificationCode{
		Email:     email,
		Type:      typ,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO verification_codes (email, type, code, created_at, expires_at, used)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (email, type) DO UPDATE
		   SET code = EXCLUDED.code, created_at = EXCLUDED.created_at,
		       expires_at = EXCLUDED.expires_at, used = FALSE`,
		vc.Email, vc.Type, vc.Code, vc.CreatedAt, vc.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("issue verification code: %w", err)
	}
	return vc, nil
}

func (r *VerificationRepo) get(ctx context.Context, email string, typ VerificationType) (*VerificationCode, error) {
	vc := &VerificationCode{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT email, type, code, created_at, expires_at, used
		 FROM verification_codes WHERE email = $1 AND type = $2`, email, typ,
	).Scan(&vc.Email, &vc.Type, &vc.Code, &vc.CreatedAt, &vc.ExpiresAt, &vc.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verification code: %w", err)
	}
	return vc, nil
}

// Consume validates code against the stored row for (email, type) and,
// on success, marks it used. A used or expired or mismatched code
// returns (false, nil); only unexpected store failures return an
// error.
func (r *VerificationRepo) Consume(ctx context.Context, email string, typ VerificationType, code string) (bool, error) {
	vc, err := r.get(ctx, email, typ)
	if err != nil {
		return false, err
	}
	if vc == nil || vc.Used || vc.Code != code || time.Now().After(vc.ExpiresAt) {
		return false, nil
	}
	_, err = r.db.Pool.Exec(ctx,
		`UPDATE verification_codes SET used = TRUE WHERE email = $1 AND type = $2`, email, typ)
	if err != nil {
		return false, fmt.Errorf("mark verification code used: %w", err)
	}
	return true, nil
}

// ConsumeRegistration consumes a Registration code and flips the
// user's email_verified flag in one transaction, per spec's
// atomicity requirement for registration-code consumption.
func (r *VerificationRepo) ConsumeRegistration(ctx context.Context, userID int64, email, code string) (bool, error) {
	vc, err := r.get(ctx, email, VerificationRegistration)
	if err != nil {
		return false, err
	}
	if vc == nil || vc.Used || vc.Code != code || time.Now().After(vc.ExpiresAt) {
		return false, nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("consume registration begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE verification_codes SET used = TRUE WHERE email = $1 AND type = $2`,
		email, VerificationRegistration,
	); err != nil {
		return false, fmt.Errorf("mark registration code used: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET email_verified = TRUE WHERE id = $1`, userID,
	); err != nil {
		return false, fmt.Errorf("flip email verified: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("consume registration commit: %w", err)
	}
	return true, nil
}
