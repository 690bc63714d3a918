package attendance

import (
	"fmt"
	"time"

	"artcenter/internal/model"
)

// WindowMode selects how the attendance time window is enforced.
type WindowMode string

const (
	// WindowSameDay allows attendance any time on the session's calendar date.
	WindowSameDay WindowMode = "same-day"
	// WindowStrict allows attendance from start-graceBefore to end+graceAfter.
	WindowStrict WindowMode = "strict"
)

const reasonNotYourSession = "not your session"

// Actor is the authenticated user attempting an operation.
type Actor struct {
	UserID    string
	Role      model.Role
	TeacherID *int64
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Guard decides whether a human may record attendance for a session right now.
type Guard struct {
	Mode        WindowMode
	GraceBefore time.Duration
	GraceAfter  time.Duration
	Location    *time.Location
}

// NewGuard builds a guard; unknown modes fall back to same-day.
func NewGuard(mode string, graceBefore, graceAfter time.Duration, loc *time.Location) *Guard {
	m := WindowMode(mode)
	if m != WindowStrict {
		m = WindowSameDay
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{Mode: m, GraceBefore: graceBefore, GraceAfter: graceAfter, Location: loc}
}

// CanTakeAttendance evaluates, in order: admin bypass, session ownership for
// teachers, then the time window.
func (g *Guard) CanTakeAttendance(actor Actor, sess model.ClassSession, now time.Time) Decision {
	switch actor.Role {
	case model.RoleAdmin:
		return Decision{Allowed: true}
	case model.RoleTeacher:
		if actor.TeacherID == nil || sess.TeacherID == nil || *actor.TeacherID != *sess.TeacherID {
			return Decision{Reason: reasonNotYourSession}
		}
	default:
		return Decision{Reason: fmt.Sprintf("role %q cannot take attendance", actor.Role)}
	}

	local := now.In(g.Location)
	if g.Mode == WindowSameDay {
		if !model.SameDate(local, sess.Date) {
			return Decision{Reason: fmt.Sprintf("attendance can only be taken on %s", sess.Date.Format("2006-01-02"))}
		}
		return Decision{Allowed: true}
	}

	opens := sess.StartsAt(g.Location).Add(-g.GraceBefore)
	closes := sess.EndsAt(g.Location).Add(g.GraceAfter)
	if local.Before(opens) || local.After(closes) {
		return Decision{Reason: fmt.Sprintf("attendance is open from %s to %s on %s",
			opens.Format("15:04"), closes.Format("15:04"), sess.Date.Format("2006-01-02"))}
	}
	return Decision{Allowed: true}
}
