package passwordreset

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"artcenter/internal/auth"
	"artcenter/internal/metrics"
	"artcenter/internal/model"
)

const codeDigits = 6

var (
	ErrNoOTP           = errors.New("no active code")
	ErrCooldown        = errors.New("a code was sent recently")
	ErrOTPExpired      = errors.New("code expired or missing")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrInvalidCode     = errors.New("invalid code")
	ErrInvalidToken    = errors.New("invalid or expired reset token")
	ErrValidation      = errors.New("invalid password")
)

// CooldownError carries how long the caller must wait before asking again.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrCooldown, e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldown }

// OTP is a stored one-time code. Only the bcrypt hash of the code is kept.
type OTP struct {
	ID            string     `db:"id"`
	UserID        int64      `db:"user_id"`
	CodeHash      string     `db:"code_hash"`
	ExpiresAtUtc  time.Time  `db:"expires_at_utc"`
	Attempts      int        `db:"attempts"`
	ConsumedAtUtc *time.Time `db:"consumed_at_utc"`
	CreatedAtUtc  time.Time  `db:"created_at_utc"`
}

// Repository persists users' reset state.
type Repository interface {
	// UserByEmail returns auth.ErrUserNotFound for unknown addresses.
	UserByEmail(ctx context.Context, email string) (model.User, error)
	// LatestOTP returns the newest code of a user, consumed or not, or ErrNoOTP.
	LatestOTP(ctx context.Context, userID int64) (OTP, error)
	CreateOTP(ctx context.Context, otp OTP) error
	// ReserveAttempt counts one verification attempt if fewer than max have
	// been made, returning the new count. It returns ErrTooManyAttempts when
	// the cap is reached and must be atomic across callers.
	ReserveAttempt(ctx context.Context, otpID string, max int) (int, error)
	ConsumeOTP(ctx context.Context, otpID string, at time.Time) error
	SetPassword(ctx context.Context, userID int64, hash string) error
	// PurgeOTPs deletes codes that expired before the cutoff.
	PurgeOTPs(ctx context.Context, before time.Time) (int64, error)
}

// Notifier delivers a code to the user.
type Notifier interface {
	SendOTP(ctx context.Context, email, code string, ttl time.Duration) error
}

// Config holds the reset policy.
type Config struct {
	OTPTTL      time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	TokenTTL    time.Duration
}

// Service runs the OTP-based password reset flow.
type Service struct {
	repo     Repository
	tokens   TokenStore
	notifier Notifier
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Reset
	now      func() time.Time
	code     func() (string, error)
}

// NewService creates a service. m may be nil.
func NewService(repo Repository, tokens TokenStore, notifier Notifier, cfg Config, log *slog.Logger, m *metrics.Reset) *Service {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
		code:     randomCode,
	}
}

// RequestOTP creates and sends a code. Unknown or inactive addresses succeed
// silently.
func (s *Service) RequestOTP(ctx context.Context, email string) error {
	email = auth.NormalizeEmail(email)
	u, err := s.repo.UserByEmail(ctx, email)
	if errors.Is(err, auth.ErrUserNotFound) {
		s.log.Info("otp requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	if !u.IsActive {
		return nil
	}

	now := s.now().UTC()
	last, err := s.repo.LatestOTP(ctx, u.ID)
	switch {
	case err == nil:
		if wait := last.CreatedAtUtc.Add(s.cfg.Cooldown).Sub(now); wait > 0 {
			s.rejected("cooldown")
			return &CooldownError{RetryAfter: wait}
		}
	case !errors.Is(err, ErrNoOTP):
		return err
	}

	code, err := s.code()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	hash, err := auth.HashPassword(code)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	otp := OTP{
		ID:           uuid.NewString(),
		UserID:       u.ID,
		CodeHash:     hash,
		ExpiresAtUtc: now.Add(s.cfg.OTPTTL),
		CreatedAtUtc: now,
	}
	if err := s.repo.CreateOTP(ctx, otp); err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	if err := s.notifier.SendOTP(ctx, u.Email, code, s.cfg.OTPTTL); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	if s.metrics != nil {
		s.metrics.OTPIssued.Inc()
	}
	s.log.Info("otp issued", "user_id", u.ID, "otp_id", otp.ID)
	return nil
}

// VerifyOTP checks code against the user's latest code and, on a match,
// returns a single-use reset token.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	u, err := s.repo.UserByEmail(ctx, auth.NormalizeEmail(email))
	if errors.Is(err, auth.ErrUserNotFound) {
		s.rejected("expired")
		return "", ErrOTPExpired
	}
	if err != nil {
		return "", err
	}
	otp, err := s.repo.LatestOTP(ctx, u.ID)
	if errors.Is(err, ErrNoOTP) {
		s.rejected("expired")
		return "", ErrOTPExpired
	}
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if otp.ConsumedAtUtc != nil || !now.Before(otp.ExpiresAtUtc) {
		s.rejected("expired")
		return "", ErrOTPExpired
	}
	if otp.Attempts >= s.cfg.MaxAttempts {
		s.rejected("attempts")
		return "", ErrTooManyAttempts
	}
	// the attempt is taken before the compare so parallel guesses share the cap
	if _, err := s.repo.ReserveAttempt(ctx, otp.ID, s.cfg.MaxAttempts); err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			s.rejected("attempts")
			return "", ErrTooManyAttempts
		}
		if errors.Is(err, ErrNoOTP) {
			s.rejected("expired")
			return "", ErrOTPExpired
		}
		return "", fmt.Errorf("count attempt: %w", err)
	}
	if !auth.CheckPassword(otp.CodeHash, code) {
		s.rejected("mismatch")
		return "", ErrInvalidCode
	}

	if err := s.repo.ConsumeOTP(ctx, otp.ID, now); err != nil {
		return "", fmt.Errorf("consume otp: %w", err)
	}
	token := uuid.NewString()
	grant := Grant{UserID: u.ID, OTPID: otp.ID, ExpiresAt: now.Add(s.cfg.TokenTTL)}
	if err := s.tokens.Issue(ctx, token, grant, s.cfg.TokenTTL); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	s.log.Info("otp verified", "user_id", u.ID, "otp_id", otp.ID)
	return token, nil
}

// ResetPassword redeems a token and stores the new password hash.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < auth.MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrValidation, auth.MinPasswordLength)
	}
	grant, err := s.tokens.Take(ctx, token)
	if err != nil {
		return err
	}
	if !s.now().Before(grant.ExpiresAt) {
		return ErrInvalidToken
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.SetPassword(ctx, grant.UserID, hash); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Redeemed.Inc()
	}
	s.log.Info("password reset", "user_id", grant.UserID)
	return nil
}

// PurgeExpired deletes codes that expired more than retain ago.
func (s *Service) PurgeExpired(ctx context.Context, retain time.Duration) (int64, error) {
	n, err := s.repo.PurgeOTPs(ctx, s.now().UTC().Add(-retain))
	if err != nil {
		return 0, err
	}
	s.log.Info("expired otps purged", "deleted", n)
	return n, nil
}

func (s *Service) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.OTPRejected.WithLabelValues(reason).Inc()
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
