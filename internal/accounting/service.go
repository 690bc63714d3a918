package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"artcenter/internal/metrics"
	"artcenter/internal/model"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidState   = errors.New("session is cancelled")
	ErrAlreadyApplied = errors.New("accounting already applied to session")
)

// Tx is the transactional view of the store used while applying accounting.
type Tx interface {
	// LockSession loads the session and holds it until the transaction ends.
	LockSession(ctx context.Context, sessionID int64) (model.ClassSession, error)
	IncrementTeacherStat(ctx context.Context, teacherID int64, year, month int) error
	// DebitAttendees decrements remaining sessions, floored at zero, for every
	// student with attendance at the session and an active enrollment in classID.
	DebitAttendees(ctx context.Context, sessionID, classID int64) (int, error)
	MarkApplied(ctx context.Context, sessionID int64, at time.Time) error
}

// Repository persists accounting effects.
type Repository interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	MonthlyStats(ctx context.Context, teacherID int64, year int) ([]model.TeacherMonthlyStat, error)
}

// Result describes the effects of one successful Apply.
type Result struct {
	SessionID       int64     `json:"session_id"`
	TeacherCredited bool      `json:"teacher_credited"`
	Debited         int       `json:"debited"`
	AppliedAt       time.Time `json:"applied_at"`
}

// Service applies session accounting exactly once per session.
type Service struct {
	repo    Repository
	log     *slog.Logger
	metrics *metrics.Accounting
	now     func() time.Time
}

// NewService creates a service backed by a repository. m may be nil.
func NewService(repo Repository, log *slog.Logger, m *metrics.Accounting) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, metrics: m, now: time.Now}
}

// Apply credits the session's teacher for the session month and debits one
// session from every actively enrolled attendee, then flags the session.
// All three writes commit together. The flag check happens on the locked row
// inside the same transaction, so concurrent duplicates lose with
// ErrAlreadyApplied.
func (s *Service) Apply(ctx context.Context, sessionID int64) (Result, error) {
	res := Result{SessionID: sessionID}
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == model.SessionCancelled {
			return ErrInvalidState
		}
		if sess.AccountingApplied {
			return ErrAlreadyApplied
		}

		if sess.TeacherID != nil {
			if err := tx.IncrementTeacherStat(ctx, *sess.TeacherID, sess.Date.Year(), int(sess.Date.Month())); err != nil {
				return fmt.Errorf("increment teacher stat: %w", err)
			}
			res.TeacherCredited = true
		}

		debited, err := tx.DebitAttendees(ctx, sess.ID, sess.ClassID)
		if err != nil {
			return fmt.Errorf("debit attendees: %w", err)
		}
		res.Debited = debited

		res.AppliedAt = s.now().UTC()
		if err := tx.MarkApplied(ctx, sess.ID, res.AppliedAt); err != nil {
			return fmt.Errorf("mark applied: %w", err)
		}
		return nil
	})
	if err != nil {
		s.reject(err)
		return Result{}, err
	}

	if s.metrics != nil {
		s.metrics.Applied.Inc()
	}
	s.log.Info("accounting applied",
		"session_id", sessionID, "teacher_credited", res.TeacherCredited, "debited", res.Debited)
	return res, nil
}

// MonthlyStats returns a teacher's per-month taught counts for year.
func (s *Service) MonthlyStats(ctx context.Context, teacherID int64, year int) ([]model.TeacherMonthlyStat, error) {
	return s.repo.MonthlyStats(ctx, teacherID, year)
}

func (s *Service) reject(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		s.metrics.Rejected.WithLabelValues("not_found").Inc()
	case errors.Is(err, ErrInvalidState):
		s.metrics.Rejected.WithLabelValues("cancelled").Inc()
	case errors.Is(err, ErrAlreadyApplied):
		s.metrics.Rejected.WithLabelValues("already_applied").Inc()
	}
}
