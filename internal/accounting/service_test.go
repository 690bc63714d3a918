package accounting_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artcenter/internal/accounting"
	"artcenter/internal/memstore"
	"artcenter/internal/metrics"
	"artcenter/internal/model"
)

const (
	classC   = 1
	teacherT = 7
	studentA = 21
	studentB = 22
)

var appliedAt = time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(st *memstore.Store) (*accounting.Service, *metrics.Accounting) {
	m := metrics.NewAccounting(prometheus.NewRegistry())
	svc := accounting.NewService(st, quietLogger(), m)
	svc.SetClock(func() time.Time { return appliedAt })
	return svc, m
}

// seed builds session S: class C on 2025-03-10 18:00-20:00 taught by T, with
// A present and B absent, both enrolled with remaining.
func seed(t *testing.T, remaining int) (*memstore.Store, int64) {
	t.Helper()
	st := memstore.New()
	teacher := int64(teacherT)
	st.AddClass(model.Class{ID: classC, Name: "Watercolor", MainTeacherID: &teacher, IsActive: true})
	st.Enroll(model.Enrollment{ClassID: classC, StudentID: studentA, IsActive: true, RemainingSessions: remaining})
	st.Enroll(model.Enrollment{ClassID: classC, StudentID: studentB, IsActive: true, RemainingSessions: remaining})
	id := st.AddSession(model.ClassSession{
		ClassID:   classC,
		Date:      time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		StartTime: model.Clock(18, 0),
		EndTime:   model.Clock(20, 0),
		TeacherID: &teacher,
		Status:    model.SessionCompleted,
	})
	st.PutAttendance(model.Attendance{SessionID: id, StudentID: studentA, IsPresent: true, RecordedBy: "1"})
	st.PutAttendance(model.Attendance{SessionID: id, StudentID: studentB, IsPresent: false, RecordedBy: "1"})
	return st, id
}

func remaining(t *testing.T, st *memstore.Store, student int64) int {
	t.Helper()
	e, ok := st.Enrollment(classC, student)
	require.True(t, ok)
	return e.RemainingSessions
}

func TestApplyCreditsTeacherAndDebitsStudents(t *testing.T) {
	st, id := seed(t, 5)
	svc, m := newService(st)

	res, err := svc.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.True(t, res.TeacherCredited)
	assert.Equal(t, 2, res.Debited)
	assert.Equal(t, appliedAt, res.AppliedAt)
	assert.Equal(t, 1, st.Stat(teacherT, 2025, 3))
	assert.Equal(t, 4, remaining(t, st, studentA))
	assert.Equal(t, 4, remaining(t, st, studentB))

	sess, _ := st.StoredSession(id)
	assert.True(t, sess.AccountingApplied)
	require.NotNil(t, sess.AccountingAppliedAtUtc)
	assert.Equal(t, appliedAt, *sess.AccountingAppliedAtUtc)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Applied))
}

func TestApplyTwiceIsRejected(t *testing.T) {
	st, id := seed(t, 5)
	svc, m := newService(st)
	ctx := context.Background()

	_, err := svc.Apply(ctx, id)
	require.NoError(t, err)
	writes := st.Writes()

	_, err = svc.Apply(ctx, id)
	assert.ErrorIs(t, err, accounting.ErrAlreadyApplied)
	assert.Equal(t, writes, st.Writes())
	assert.Equal(t, 1, st.Stat(teacherT, 2025, 3))
	assert.Equal(t, 4, remaining(t, st, studentA))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejected.WithLabelValues("already_applied")))
}

func TestApplyCancelledIsRejected(t *testing.T) {
	st := memstore.New()
	teacher := int64(teacherT)
	id := st.AddSession(model.ClassSession{ClassID: classC, Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		StartTime: model.Clock(18, 0), EndTime: model.Clock(20, 0), TeacherID: &teacher, Status: model.SessionCancelled})
	st.Enroll(model.Enrollment{ClassID: classC, StudentID: studentA, IsActive: true, RemainingSessions: 5})
	st.PutAttendance(model.Attendance{SessionID: id, StudentID: studentA, IsPresent: true})
	svc, _ := newService(st)

	_, err := svc.Apply(context.Background(), id)
	assert.ErrorIs(t, err, accounting.ErrInvalidState)
	assert.Zero(t, st.Writes())
	assert.Equal(t, 0, st.Stat(teacherT, 2025, 3))
	assert.Equal(t, 5, remaining(t, st, studentA))
}

func TestApplyMissingSession(t *testing.T) {
	svc, _ := newService(memstore.New())
	_, err := svc.Apply(context.Background(), 404)
	assert.ErrorIs(t, err, accounting.ErrNotFound)
}

func TestApplyFloorsRemainingAtZero(t *testing.T) {
	tests := []struct {
		name  string
		start int
		want  int
	}{
		{"one left", 1, 0},
		{"none left", 0, 0},
		{"negative legacy balance", -3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, id := seed(t, tt.start)
			svc, _ := newService(st)
			_, err := svc.Apply(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, remaining(t, st, studentA))
			assert.Equal(t, tt.want, remaining(t, st, studentB))
		})
	}
}

func TestApplySkipsInactiveEnrollmentAndMissingTeacher(t *testing.T) {
	st := memstore.New()
	id := st.AddSession(model.ClassSession{ClassID: classC, Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		StartTime: model.Clock(18, 0), EndTime: model.Clock(20, 0)})
	st.Enroll(model.Enrollment{ClassID: classC, StudentID: studentA, IsActive: false, RemainingSessions: 5})
	st.PutAttendance(model.Attendance{SessionID: id, StudentID: studentA, IsPresent: true})
	svc, _ := newService(st)

	res, err := svc.Apply(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.TeacherCredited)
	assert.Zero(t, res.Debited)
	assert.Equal(t, 5, remaining(t, st, studentA))
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	st, id := seed(t, 5)
	st.FailOn("MarkApplied", errors.New("connection reset"))
	svc, _ := newService(st)

	_, err := svc.Apply(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, 0, st.Stat(teacherT, 2025, 3))
	assert.Equal(t, 5, remaining(t, st, studentA))
	sess, _ := st.StoredSession(id)
	assert.False(t, sess.AccountingApplied)

	st.FailOn("MarkApplied", nil)
	_, err = svc.Apply(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Stat(teacherT, 2025, 3))
}

func TestMonthlyStats(t *testing.T) {
	st, id := seed(t, 5)
	svc, _ := newService(st)
	_, err := svc.Apply(context.Background(), id)
	require.NoError(t, err)

	stats, err := svc.MonthlyStats(context.Background(), teacherT, 2025)
	require.NoError(t, err)
	assert.Equal(t, []model.TeacherMonthlyStat{{TeacherID: teacherT, Year: 2025, Month: 3, TaughtCount: 1}}, stats)
}
