package schedule

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"artcenter/internal/model"
)

// PostgresRepository reads bookings from Postgres.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) TeacherWeeklySchedules(ctx context.Context, teacherID int64, weekday time.Weekday) ([]model.ClassSchedule, error) {
	var out []model.ClassSchedule
	err := r.db.SelectContext(ctx, &out, `
		SELECT s.id, s.class_id, s.day_of_week, s.start_time, s.end_time, s.teacher_id, s.is_active
		FROM class_schedules s
		JOIN classes c ON c.id = s.class_id
		WHERE c.main_teacher_id = $1
		  AND s.day_of_week = $2
		  AND s.is_active
	`, teacherID, int(weekday))
	return out, err
}

func (r *PostgresRepository) TeacherSessions(ctx context.Context, teacherID int64, date time.Time) ([]model.ClassSession, error) {
	var out []model.ClassSession
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, class_id, session_date, start_time, end_time, teacher_id, status,
		       is_auto_generated, note, accounting_applied, accounting_applied_at_utc
		FROM class_sessions
		WHERE teacher_id = $1 AND session_date = $2
	`, teacherID, date)
	return out, err
}

func (r *PostgresRepository) ActiveStudents(ctx context.Context, classID int64) ([]Student, error) {
	var out []Student
	err := r.db.SelectContext(ctx, &out, `
		SELECT st.id, st.full_name
		FROM class_students cs
		JOIN students st ON st.id = cs.student_id
		WHERE cs.class_id = $1 AND cs.is_active
		ORDER BY st.id
	`, classID)
	return out, err
}

func (r *PostgresRepository) OtherClassSessions(ctx context.Context, classID int64, date time.Time) ([]BookedSession, error) {
	var out []BookedSession
	err := r.db.SelectContext(ctx, &out, `
		SELECT s.id, s.class_id, s.session_date, s.start_time, s.end_time, s.teacher_id, s.status,
		       s.is_auto_generated, s.note, s.accounting_applied, s.accounting_applied_at_utc,
		       c.name AS class_name
		FROM class_sessions s
		JOIN classes c ON c.id = s.class_id
		WHERE s.session_date = $1
		  AND s.class_id <> $2
		  AND s.status <> 'cancelled'
	`, date, classID)
	return out, err
}

func (r *PostgresRepository) ActiveEnrollments(ctx context.Context, classIDs, studentIDs []int64) (map[int64][]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT class_id, student_id
		FROM class_students
		WHERE is_active
		  AND class_id = ANY($1::bigint[])
		  AND student_id = ANY($2::bigint[])
		ORDER BY class_id, student_id
	`, pq.Array(classIDs), pq.Array(studentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64)
	for rows.Next() {
		var classID, studentID int64
		if err := rows.Scan(&classID, &studentID); err != nil {
			return nil, err
		}
		out[classID] = append(out[classID], studentID)
	}
	return out, rows.Err()
}
