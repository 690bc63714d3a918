package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"artcenter/internal/metrics"
	"artcenter/internal/model"
	"artcenter/internal/store"
)

// AutoAbsentNote is written on rows created by the sweeper.
const AutoAbsentNote = "auto absent (session expired)"

// SweepConfig controls the auto-absence sweeper.
type SweepConfig struct {
	Interval         time.Duration
	LookbackDays     int
	GraceAfter       time.Duration
	IncludeCancelled bool
	Location         *time.Location
}

// LockFunc takes a cross-process lease for one sweep. It returns
// store.ErrLockHeld when another worker is sweeping.
type LockFunc func(ctx context.Context) (release func(context.Context) error, err error)

// Report summarizes one sweep.
type Report struct {
	Candidates int
	Open       int
	Processed  int
	Inserted   int
	Completed  int
	Failed     int
	Skipped    bool
}

// Sweeper backfills absences for sessions whose attendance window has closed
// and marks them completed.
type Sweeper struct {
	repo    Repository
	cfg     SweepConfig
	log     *slog.Logger
	metrics *metrics.Sweep
	lock    LockFunc
	now     func() time.Time
}

// NewSweeper creates a sweeper. m and lock may be nil.
func NewSweeper(repo Repository, cfg SweepConfig, log *slog.Logger, m *metrics.Sweep, lock LockFunc) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 14
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{repo: repo, cfg: cfg, log: log, metrics: m, lock: lock, now: time.Now}
}

// Run sweeps, waits Interval, and repeats until ctx is cancelled. A failed
// sweep is logged and does not stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started", "interval", s.cfg.Interval.String(), "lookback_days", s.cfg.LookbackDays)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-timer.C:
		}
		s.safeSweep(ctx)
		timer.Reset(s.cfg.Interval)
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("sweep panicked", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("sweep failed", "err", err)
	}
}

// SweepOnce performs a single sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var rep Report
	if s.lock != nil {
		release, err := s.lock(ctx)
		if errors.Is(err, store.ErrLockHeld) {
			s.log.Debug("sweep skipped, lock held elsewhere")
			rep.Skipped = true
			return rep, nil
		}
		if err != nil {
			return rep, fmt.Errorf("acquire sweep lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release sweep lock", "err", err)
			}
		}()
	}

	started := time.Now()
	now := s.now().In(s.cfg.Location)
	today := model.DateOf(now)
	from := today.AddDate(0, 0, -s.cfg.LookbackDays)

	sessions, err := s.repo.SweepCandidates(ctx, from, today, s.cfg.IncludeCancelled)
	if err != nil {
		return rep, fmt.Errorf("load candidates: %w", err)
	}
	rep.Candidates = len(sessions)

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		deadline := sess.EndsAt(s.cfg.Location).Add(s.cfg.GraceAfter)
		if !now.After(deadline) {
			rep.Open++
			continue
		}
		inserted, completed, err := s.sweepSession(ctx, sess, now)
		if err != nil {
			rep.Failed++
			s.log.Error("sweep session failed", "session_id", sess.ID, "err", err)
			continue
		}
		rep.Processed++
		rep.Inserted += inserted
		if completed {
			rep.Completed++
		}
	}

	if s.metrics != nil {
		s.metrics.Runs.Inc()
		s.metrics.Inserted.Add(float64(rep.Inserted))
		s.metrics.Completed.Add(float64(rep.Completed))
		s.metrics.Failures.Add(float64(rep.Failed))
		s.metrics.Duration.Observe(time.Since(started).Seconds())
	}
	s.log.Info("sweep finished",
		"candidates", rep.Candidates,
		"open", rep.Open,
		"processed", rep.Processed,
		"inserted", rep.Inserted,
		"completed", rep.Completed,
		"failed", rep.Failed,
	)
	return rep, nil
}

// sweepSession inserts absences for roster members without a row, then
// completes the session if it has any attendance at all.
func (s *Sweeper) sweepSession(ctx context.Context, sess model.ClassSession, now time.Time) (int, bool, error) {
	roster, err := s.repo.ActiveRoster(ctx, sess.ClassID)
	if err != nil {
		return 0, false, fmt.Errorf("load roster: %w", err)
	}
	recorded, err := s.repo.RecordedStudents(ctx, sess.ID)
	if err != nil {
		return 0, false, fmt.Errorf("load recorded students: %w", err)
	}

	has := make(map[int64]bool, len(recorded))
	for _, id := range recorded {
		has[id] = true
	}
	var missing []model.Attendance
	for _, id := range roster {
		if has[id] {
			continue
		}
		missing = append(missing, model.Attendance{
			SessionID:     sess.ID,
			StudentID:     id,
			IsPresent:     false,
			Note:          AutoAbsentNote,
			RecordedBy:    model.SystemActor,
			RecordedAtUtc: now.UTC(),
		})
	}

	inserted := 0
	if len(missing) > 0 {
		inserted, err = s.repo.InsertAbsences(ctx, missing)
		if err != nil {
			return 0, false, fmt.Errorf("insert absences: %w", err)
		}
	}

	// a skipped insert means a concurrent writer already added that row
	hasAttendance := len(recorded) > 0 || len(missing) > 0
	if !hasAttendance || sess.Status == model.SessionCompleted {
		return inserted, false, nil
	}
	if err := s.repo.SetSessionStatus(ctx, sess.ID, model.SessionCompleted); err != nil {
		return inserted, false, fmt.Errorf("complete session: %w", err)
	}
	return inserted, true, nil
}
