package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"artcenter/internal/model"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("session state does not allow this operation")
	ErrForbidden    = errors.New("attendance not allowed")
	ErrValidation   = errors.New("invalid attendance input")
)

// Repository persists sessions and attendance.
type Repository interface {
	GetSession(ctx context.Context, sessionID int64) (model.ClassSession, error)
	SetSessionStatus(ctx context.Context, sessionID int64, status model.SessionStatus) error
	// ActiveRoster returns the ids of students actively enrolled in a class.
	ActiveRoster(ctx context.Context, classID int64) ([]int64, error)
	ListAttendance(ctx context.Context, sessionID int64) ([]model.Attendance, error)
	// SaveAttendance upserts rows keyed by (session, student) in one transaction.
	SaveAttendance(ctx context.Context, rows []model.Attendance) error

	SweepCandidates(ctx context.Context, from, to time.Time, includeCancelled bool) ([]model.ClassSession, error)
	RecordedStudents(ctx context.Context, sessionID int64) ([]int64, error)
	// InsertAbsences inserts rows, skipping pairs that already exist, and
	// returns how many were written. All rows belong to one session.
	InsertAbsences(ctx context.Context, rows []model.Attendance) (int, error)
}

// Mark is one student's presence as entered by a human.
type Mark struct {
	StudentID int64  `json:"student_id" binding:"required"`
	IsPresent bool   `json:"is_present"`
	Note      string `json:"note"`
}

// Service records attendance and administers session status.
type Service struct {
	repo  Repository
	guard *Guard
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo Repository, guard *Guard, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, guard: guard, log: log, now: time.Now}
}

// Session loads one session.
func (s *Service) Session(ctx context.Context, sessionID int64) (model.ClassSession, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Check reports whether actor could take attendance for the session now.
func (s *Service) Check(ctx context.Context, actor Actor, sessionID int64) (Decision, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	return s.guard.CanTakeAttendance(actor, sess, s.now()), nil
}

// Record saves the marks for a session after the guard allows the actor.
// Every student must be on the class's active roster.
func (s *Service) Record(ctx context.Context, actor Actor, sessionID int64, marks []Mark) ([]model.Attendance, error) {
	if len(marks) == 0 {
		return nil, fmt.Errorf("%w: no marks", ErrValidation)
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionCancelled {
		return nil, fmt.Errorf("%w: session is cancelled", ErrInvalidState)
	}
	if sess.AccountingApplied {
		return nil, fmt.Errorf("%w: accounting already applied", ErrInvalidState)
	}

	now := s.now()
	if d := s.guard.CanTakeAttendance(actor, sess, now); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}

	roster, err := s.repo.ActiveRoster(ctx, sess.ClassID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	enrolled := make(map[int64]bool, len(roster))
	for _, id := range roster {
		enrolled[id] = true
	}

	seen := make(map[int64]bool, len(marks))
	rows := make([]model.Attendance, 0, len(marks))
	for _, m := range marks {
		if !enrolled[m.StudentID] {
			return nil, fmt.Errorf("%w: student %d is not enrolled in class %d", ErrValidation, m.StudentID, sess.ClassID)
		}
		if seen[m.StudentID] {
			return nil, fmt.Errorf("%w: student %d listed twice", ErrValidation, m.StudentID)
		}
		seen[m.StudentID] = true
		rows = append(rows, model.Attendance{
			SessionID:     sess.ID,
			StudentID:     m.StudentID,
			IsPresent:     m.IsPresent,
			Note:          m.Note,
			RecordedBy:    actor.UserID,
			RecordedAtUtc: now.UTC(),
		})
	}

	if err := s.repo.SaveAttendance(ctx, rows); err != nil {
		return nil, fmt.Errorf("save attendance: %w", err)
	}
	s.log.Info("attendance recorded", "session_id", sess.ID, "rows", len(rows), "by", actor.UserID)
	return rows, nil
}

// List returns the attendance rows of a session.
func (s *Service) List(ctx context.Context, sessionID int64) ([]model.Attendance, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListAttendance(ctx, sessionID)
}

// adminTargets are the statuses an administrator may move a planned session to.
var adminTargets = map[model.SessionStatus]bool{
	model.SessionCancelled: true,
	model.SessionHidden:    true,
	model.SessionMakeUp:    true,
}

// SetStatus moves a planned session to cancelled, hidden or make-up. Status
// never returns to planned, and a session whose accounting has been applied
// can no longer be cancelled. Repeating the current status is a no-op.
func (s *Service) SetStatus(ctx context.Context, sessionID int64, status model.SessionStatus) (model.ClassSession, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.ClassSession{}, err
	}
	if status == model.SessionCancelled && sess.AccountingApplied {
		return model.ClassSession{}, fmt.Errorf("%w: accounting already applied", ErrInvalidState)
	}
	if sess.Status == status {
		return sess, nil
	}
	if sess.Status != model.SessionPlanned || !adminTargets[status] {
		return model.ClassSession{}, fmt.Errorf("%w: cannot move a %s session to %s", ErrInvalidState, sess.Status, status)
	}
	if err := s.repo.SetSessionStatus(ctx, sessionID, status); err != nil {
		return model.ClassSession{}, fmt.Errorf("set status: %w", err)
	}
	s.log.Info("session status changed", "session_id", sessionID, "from", sess.Status, "to", status)
	sess.Status = status
	return sess, nil
}
