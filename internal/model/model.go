package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a class session.
type SessionStatus string

const (
	SessionPlanned   SessionStatus = "planned"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionHidden    SessionStatus = "hidden"
	SessionMakeUp    SessionStatus = "makeup"
)

// ParseSessionStatus validates a status string.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case SessionPlanned, SessionCompleted, SessionCancelled, SessionHidden, SessionMakeUp:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Role is the authorization role of a user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
)

// SystemActor authors rows written by background jobs.
const SystemActor = "system"

// Class is a course offered by the center.
type Class struct {
	ID            int64  `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	MainTeacherID *int64 `db:"main_teacher_id" json:"main_teacher_id,omitempty"`
	IsActive      bool   `db:"is_active" json:"is_active"`
}

// ClassSession is one dated occurrence of a class meeting.
type ClassSession struct {
	ID                     int64         `db:"id" json:"id"`
	ClassID                int64         `db:"class_id" json:"class_id"`
	Date                   time.Time     `db:"session_date" json:"date"`
	StartTime              TimeOfDay     `db:"start_time" json:"start_time"`
	EndTime                TimeOfDay     `db:"end_time" json:"end_time"`
	TeacherID              *int64        `db:"teacher_id" json:"teacher_id,omitempty"`
	Status                 SessionStatus `db:"status" json:"status"`
	IsAutoGenerated        bool          `db:"is_auto_generated" json:"is_auto_generated"`
	Note                   string        `db:"note" json:"note"`
	AccountingApplied      bool          `db:"accounting_applied" json:"accounting_applied"`
	AccountingAppliedAtUtc *time.Time    `db:"accounting_applied_at_utc" json:"accounting_applied_at_utc,omitempty"`
}

// StartsAt is the session start instant in loc.
func (s ClassSession) StartsAt(loc *time.Location) time.Time {
	return s.StartTime.On(s.Date, loc)
}

// EndsAt is the session end instant in loc.
func (s ClassSession) EndsAt(loc *time.Location) time.Time {
	return s.EndTime.On(s.Date, loc)
}

// Attendance marks one student's presence at one session.
type Attendance struct {
	ID            int64     `db:"id" json:"id"`
	SessionID     int64     `db:"session_id" json:"session_id"`
	StudentID     int64     `db:"student_id" json:"student_id"`
	IsPresent     bool      `db:"is_present" json:"is_present"`
	Note          string    `db:"note" json:"note"`
	RecordedBy    string    `db:"recorded_by" json:"recorded_by"`
	RecordedAtUtc time.Time `db:"recorded_at_utc" json:"recorded_at_utc"`
}

// Enrollment links a student to a class with a prepaid session balance.
type Enrollment struct {
	ClassID           int64 `db:"class_id" json:"class_id"`
	StudentID         int64 `db:"student_id" json:"student_id"`
	IsActive          bool  `db:"is_active" json:"is_active"`
	RemainingSessions int   `db:"remaining_sessions" json:"remaining_sessions"`
}

// TeacherMonthlyStat counts sessions taught in a calendar month.
type TeacherMonthlyStat struct {
	TeacherID   int64 `db:"teacher_id" json:"teacher_id"`
	Year        int   `db:"year" json:"year"`
	Month       int   `db:"month" json:"month"`
	TaughtCount int   `db:"taught_count" json:"taught_count"`
}

// ClassSchedule is a weekly recurring template for a class.
type ClassSchedule struct {
	ID        int64        `db:"id" json:"id"`
	ClassID   int64        `db:"class_id" json:"class_id"`
	DayOfWeek time.Weekday `db:"day_of_week" json:"day_of_week"`
	StartTime TimeOfDay    `db:"start_time" json:"start_time"`
	EndTime   TimeOfDay    `db:"end_time" json:"end_time"`
	TeacherID *int64       `db:"teacher_id" json:"teacher_id,omitempty"`
	IsActive  bool         `db:"is_active" json:"is_active"`
}

// User is an account that can sign in to the console.
type User struct {
	ID           int64  `db:"id" json:"id"`
	Email        string `db:"email" json:"email"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         Role   `db:"role" json:"role"`
	TeacherID    *int64 `db:"teacher_id" json:"teacher_id,omitempty"`
	IsActive     bool   `db:"is_active" json:"is_active"`
}

// DateOf truncates t to its calendar date (in t's own location) at UTC midnight,
// the form DATE columns scan into.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
