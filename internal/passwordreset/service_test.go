package passwordreset_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artcenter/internal/auth"
	"artcenter/internal/memstore"
	"artcenter/internal/metrics"
	"artcenter/internal/model"
	"artcenter/internal/passwordreset"
)

type outbox struct {
	sent []string
	err  error
}

func (o *outbox) SendOTP(_ context.Context, email, code string, _ time.Duration) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, email+":"+code)
	return nil
}

type env struct {
	svc    *passwordreset.Service
	store  *memstore.Store
	tokens *passwordreset.MemoryTokens
	mail   *outbox
	m      *metrics.Reset
	now    *time.Time
	userID int64
}

const email = "teacher@artcenter.vn"

func setup(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	hash, err := auth.HashPassword("old-password")
	require.NoError(t, err)
	id := st.AddUser(model.User{Email: email, PasswordHash: hash, Role: model.RoleTeacher, IsActive: true})

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := passwordreset.NewMemoryTokens()
	tokens.SetClock(clock)
	mail := &outbox{}
	m := metrics.NewReset(prometheus.NewRegistry())
	svc := passwordreset.NewService(st, tokens, mail, passwordreset.Config{
		OTPTTL: 10 * time.Minute, Cooldown: time.Minute, MaxAttempts: 3, TokenTTL: 15 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	svc.SetClock(clock)
	svc.SetCodeGenerator(func() (string, error) { return "123456", nil })
	return &env{svc: svc, store: st, tokens: tokens, mail: mail, m: m, now: &now, userID: id}
}

func TestRequestOTPStoresHashAndSends(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.svc.RequestOTP(context.Background(), " Teacher@ArtCenter.vn"))

	assert.Equal(t, []string{email + ":123456"}, e.mail.sent)
	otps := e.store.OTPs(e.userID)
	require.Len(t, otps, 1)
	assert.NotEqual(t, "123456", otps[0].CodeHash)
	assert.True(t, auth.CheckPassword(otps[0].CodeHash, "123456"))
	assert.Equal(t, e.now.Add(10*time.Minute), otps[0].ExpiresAtUtc)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.OTPIssued))
}

func TestRequestOTPUnknownEmailIsSilent(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.svc.RequestOTP(context.Background(), "ghost@artcenter.vn"))
	assert.Empty(t, e.mail.sent)
}

func TestRequestOTPCooldown(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))

	*e.now = e.now.Add(20 * time.Second)
	err := e.svc.RequestOTP(ctx, email)
	require.ErrorIs(t, err, passwordreset.ErrCooldown)
	var cd *passwordreset.CooldownError
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, 40*time.Second, cd.RetryAfter)

	*e.now = e.now.Add(40 * time.Second)
	require.NoError(t, e.svc.RequestOTP(ctx, email))
	assert.Len(t, e.store.OTPs(e.userID), 2)
}

func TestRequestOTPNotifierFailure(t *testing.T) {
	e := setup(t)
	e.mail.err = errors.New("queue down")
	assert.Error(t, e.svc.RequestOTP(context.Background(), email))
}

func TestVerifyOTP(t *testing.T) {
	tests := []struct {
		name    string
		request bool
		prepare func(t *testing.T, e *env)
		code    string
		wantErr error
	}{
		{"no code requested", false, nil, "123456", passwordreset.ErrOTPExpired},
		{"expired", true, func(t *testing.T, e *env) { *e.now = e.now.Add(10 * time.Minute) }, "123456", passwordreset.ErrOTPExpired},
		{"wrong code", true, nil, "654321", passwordreset.ErrInvalidCode},
		{"already used", true, func(t *testing.T, e *env) {
			_, err := e.svc.VerifyOTP(context.Background(), email, "123456")
			require.NoError(t, err)
		}, "123456", passwordreset.ErrOTPExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			if tt.request {
				require.NoError(t, e.svc.RequestOTP(context.Background(), email))
			}
			if tt.prepare != nil {
				tt.prepare(t, e)
			}
			_, err := e.svc.VerifyOTP(context.Background(), email, tt.code)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyOTPLocksAfterMaxAttempts(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))

	for i := 0; i < 3; i++ {
		_, err := e.svc.VerifyOTP(ctx, email, "000000")
		require.ErrorIs(t, err, passwordreset.ErrInvalidCode)
	}
	_, err := e.svc.VerifyOTP(ctx, email, "123456")
	assert.ErrorIs(t, err, passwordreset.ErrTooManyAttempts)
	assert.Equal(t, 3, e.store.OTPs(e.userID)[0].Attempts)
}

func TestVerifyOTPConcurrentGuessesShareTheCap(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))

	const guesses = 20
	errs := make(chan error, guesses)
	var wg sync.WaitGroup
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.VerifyOTP(ctx, email, "000000")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var compared, locked int
	for err := range errs {
		switch {
		case errors.Is(err, passwordreset.ErrInvalidCode):
			compared++
		case errors.Is(err, passwordreset.ErrTooManyAttempts):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, compared)
	assert.Equal(t, guesses-3, locked)
	assert.Equal(t, 3, e.store.OTPs(e.userID)[0].Attempts)

	_, err := e.svc.VerifyOTP(ctx, email, "123456")
	assert.ErrorIs(t, err, passwordreset.ErrTooManyAttempts)
}

func TestVerifyOTPAttemptStoreFailure(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))
	boom := errors.New("db down")
	e.store.FailOn("ReserveAttempt", boom)

	_, err := e.svc.VerifyOTP(ctx, email, "123456")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, e.tokens.Len())
}

func TestResetPasswordSingleUse(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))
	token, err := e.svc.VerifyOTP(ctx, email, "123456")
	require.NoError(t, err)
	assert.Equal(t, 1, e.tokens.Len())

	assert.ErrorIs(t, e.svc.ResetPassword(ctx, token, "short"), passwordreset.ErrValidation)
	require.NoError(t, e.svc.ResetPassword(ctx, token, "brand-new-pass"))
	assert.ErrorIs(t, e.svc.ResetPassword(ctx, token, "another-pass"), passwordreset.ErrInvalidToken)

	u, _ := e.store.User(e.userID)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "brand-new-pass"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Redeemed))
}

func TestResetPasswordExpiredToken(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))
	token, err := e.svc.VerifyOTP(ctx, email, "123456")
	require.NoError(t, err)

	*e.now = e.now.Add(16 * time.Minute)
	assert.ErrorIs(t, e.svc.ResetPassword(ctx, token, "brand-new-pass"), passwordreset.ErrInvalidToken)
	assert.Zero(t, e.tokens.Len())
}

func TestPurgeExpired(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.svc.RequestOTP(ctx, email))

	n, err := e.svc.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	*e.now = e.now.Add(25 * time.Hour)
	n, err = e.svc.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, e.store.OTPs(e.userID))
}

func TestRandomCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := passwordreset.RandomCode()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
	}
}
