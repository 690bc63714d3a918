package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"artcenter/internal/model"
)

// maxWeeklyRangeDays bounds the date range expanded by StudentWeeklyConflicts.
const maxWeeklyRangeDays = 366

var ErrInvalidWindow = errors.New("invalid time window")

// Student is a roster member.
type Student struct {
	ID       int64  `db:"id"`
	FullName string `db:"full_name"`
}

// BookedSession is a session together with its class name.
type BookedSession struct {
	model.ClassSession
	ClassName string `db:"class_name"`
}

// Repository reads the bookings the checker compares against.
type Repository interface {
	// TeacherWeeklySchedules returns active schedules on weekday of classes
	// whose main teacher is teacherID.
	TeacherWeeklySchedules(ctx context.Context, teacherID int64, weekday time.Weekday) ([]model.ClassSchedule, error)
	TeacherSessions(ctx context.Context, teacherID int64, date time.Time) ([]model.ClassSession, error)
	ActiveStudents(ctx context.Context, classID int64) ([]Student, error)
	// OtherClassSessions returns non-cancelled sessions on date of every class
	// other than classID.
	OtherClassSessions(ctx context.Context, classID int64, date time.Time) ([]BookedSession, error)
	// ActiveEnrollments maps class id to the subset of studentIDs actively
	// enrolled in it, for the given classes.
	ActiveEnrollments(ctx context.Context, classIDs, studentIDs []int64) (map[int64][]int64, error)
}

// Checker detects double bookings. Its answers are advisory: callers surface
// them as warnings and may still save.
type Checker struct {
	repo Repository
}

// NewChecker creates a checker backed by a repository.
func NewChecker(repo Repository) *Checker {
	return &Checker{repo: repo}
}

func validWindow(start, end model.TimeOfDay) error {
	if start >= end {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidWindow, start, end)
	}
	return nil
}

// TeacherWeeklyOverlap reports whether another active weekly schedule taught
// by teacherID on weekday overlaps [start, end). Schedules of ignoreClassID
// are skipped; pass 0 to skip none.
func (c *Checker) TeacherWeeklyOverlap(ctx context.Context, teacherID int64, weekday time.Weekday, start, end model.TimeOfDay, ignoreClassID int64) (bool, error) {
	if err := validWindow(start, end); err != nil {
		return false, err
	}
	schedules, err := c.repo.TeacherWeeklySchedules(ctx, teacherID, weekday)
	if err != nil {
		return false, err
	}
	for _, s := range schedules {
		if ignoreClassID != 0 && s.ClassID == ignoreClassID {
			continue
		}
		if model.Overlaps(start, end, s.StartTime, s.EndTime) {
			return true, nil
		}
	}
	return false, nil
}

// TeacherSessionOverlap reports whether another session of teacherID on date
// overlaps [start, end). ignoreSessionID is skipped; pass 0 to skip none.
func (c *Checker) TeacherSessionOverlap(ctx context.Context, teacherID int64, date time.Time, start, end model.TimeOfDay, ignoreSessionID int64) (bool, error) {
	if err := validWindow(start, end); err != nil {
		return false, err
	}
	sessions, err := c.repo.TeacherSessions(ctx, teacherID, model.DateOf(date))
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if ignoreSessionID != 0 && s.ID == ignoreSessionID {
			continue
		}
		if model.Overlaps(start, end, s.StartTime, s.EndTime) {
			return true, nil
		}
	}
	return false, nil
}

// StudentSessionConflicts lists students of classID who are also booked, on
// date, in another class's session overlapping [start, end). The result holds
// one message per (student, class, time, date), sorted.
func (c *Checker) StudentSessionConflicts(ctx context.Context, classID int64, date time.Time, start, end model.TimeOfDay, excludeSessionID int64) ([]string, error) {
	if err := validWindow(start, end); err != nil {
		return nil, err
	}
	roster, err := c.repo.ActiveStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{})
	if err := c.collect(ctx, found, classID, roster, model.DateOf(date), start, end, excludeSessionID); err != nil {
		return nil, err
	}
	return sorted(found), nil
}

// StudentWeeklyConflicts applies StudentSessionConflicts to every date in
// [from, to] falling on weekday and merges the messages.
func (c *Checker) StudentWeeklyConflicts(ctx context.Context, classID int64, weekday time.Weekday, start, end model.TimeOfDay, from, to time.Time) ([]string, error) {
	if err := validWindow(start, end); err != nil {
		return nil, err
	}
	from, to = model.DateOf(from), model.DateOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidWindow)
	}
	if to.Sub(from) > maxWeeklyRangeDays*24*time.Hour {
		return nil, fmt.Errorf("%w: range longer than %d days", ErrInvalidWindow, maxWeeklyRangeDays)
	}

	roster, err := c.repo.ActiveStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{})
	if len(roster) == 0 {
		return sorted(found), nil
	}
	for _, d := range WeekdayDates(from, to, weekday) {
		if err := c.collect(ctx, found, classID, roster, d, start, end, 0); err != nil {
			return nil, err
		}
	}
	return sorted(found), nil
}

func (c *Checker) collect(ctx context.Context, found map[string]struct{}, classID int64, roster []Student, date time.Time, start, end model.TimeOfDay, excludeSessionID int64) error {
	if len(roster) == 0 {
		return nil
	}
	sessions, err := c.repo.OtherClassSessions(ctx, classID, date)
	if err != nil {
		return err
	}

	var overlapping []BookedSession
	classSet := make(map[int64]bool)
	for _, s := range sessions {
		if s.ClassID == classID || s.Status == model.SessionCancelled {
			continue
		}
		if excludeSessionID != 0 && s.ID == excludeSessionID {
			continue
		}
		if !model.Overlaps(start, end, s.StartTime, s.EndTime) {
			continue
		}
		overlapping = append(overlapping, s)
		classSet[s.ClassID] = true
	}
	if len(overlapping) == 0 {
		return nil
	}

	classIDs := make([]int64, 0, len(classSet))
	for id := range classSet {
		classIDs = append(classIDs, id)
	}
	studentIDs := make([]int64, 0, len(roster))
	names := make(map[int64]string, len(roster))
	for _, st := range roster {
		studentIDs = append(studentIDs, st.ID)
		names[st.ID] = st.FullName
	}
	shared, err := c.repo.ActiveEnrollments(ctx, classIDs, studentIDs)
	if err != nil {
		return err
	}

	for _, s := range overlapping {
		for _, studentID := range shared[s.ClassID] {
			name, ok := names[studentID]
			if !ok {
				continue
			}
			msg := fmt.Sprintf("Student %s (#%d) already has class %s (#%d) at %s-%s on %s",
				name, studentID, s.ClassName, s.ClassID, s.StartTime, s.EndTime, s.Date.Format("2006-01-02"))
			found[msg] = struct{}{}
		}
	}
	return nil
}

// WeekdayDates returns every date in [from, to] that falls on weekday.
func WeekdayDates(from, to time.Time, weekday time.Weekday) []time.Time {
	from, to = model.DateOf(from), model.DateOf(to)
	offset := (int(weekday) - int(from.Weekday()) + 7) % 7
	var dates []time.Time
	for d := from.AddDate(0, 0, offset); !d.After(to); d = d.AddDate(0, 0, 7) {
		dates = append(dates, d)
	}
	return dates
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for msg := range set {
		out = append(out, msg)
	}
	sort.Strings(out)
	return out
}
