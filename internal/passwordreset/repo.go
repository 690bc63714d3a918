package passwordreset

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"artcenter/internal/auth"
	"artcenter/internal/model"
)

// PostgresRepository stores codes in password_reset_otps.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) UserByEmail(ctx context.Context, email string) (model.User, error) {
	return auth.NewRepository(r.db).UserByEmail(ctx, email)
}

func (r *PostgresRepository) LatestOTP(ctx context.Context, userID int64) (OTP, error) {
	var otp OTP
	err := r.db.GetContext(ctx, &otp, `
		SELECT id, user_id, code_hash, expires_at_utc, attempts, consumed_at_utc, created_at_utc
		FROM password_reset_otps
		WHERE user_id = $1
		ORDER BY created_at_utc DESC
		LIMIT 1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return OTP{}, ErrNoOTP
	}
	return otp, err
}

func (r *PostgresRepository) CreateOTP(ctx context.Context, otp OTP) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO password_reset_otps (id, user_id, code_hash, expires_at_utc, attempts, created_at_utc)
		VALUES (:id, :user_id, :code_hash, :expires_at_utc, :attempts, :created_at_utc)
	`, otp)
	return err
}

func (r *PostgresRepository) ReserveAttempt(ctx context.Context, otpID string, max int) (int, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts, `
		UPDATE password_reset_otps SET attempts = attempts + 1
		WHERE id = $1 AND attempts < $2
		RETURNING attempts
	`, otpID, max)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTooManyAttempts
	}
	return attempts, err
}

func (r *PostgresRepository) ConsumeOTP(ctx context.Context, otpID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE password_reset_otps SET consumed_at_utc = $2 WHERE id = $1 AND consumed_at_utc IS NULL`, otpID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrOTPExpired
	}
	return nil
}

func (r *PostgresRepository) SetPassword(ctx context.Context, userID int64, hash string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) PurgeOTPs(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM password_reset_otps WHERE expires_at_utc < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
