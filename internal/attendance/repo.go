package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"artcenter/internal/model"
	"artcenter/internal/store"
)

const sessionColumns = `id, class_id, session_date, start_time, end_time, teacher_id, status,
	is_auto_generated, note, accounting_applied, accounting_applied_at_utc`

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetSession returns a single session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, sessionID int64) (model.ClassSession, error) {
	var sess model.ClassSession
	err := r.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClassSession{}, ErrNotFound
	}
	return sess, err
}

// SetSessionStatus updates the session status.
func (r *PostgresRepository) SetSessionStatus(ctx context.Context, sessionID int64, status model.SessionStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE class_sessions SET status = $2 WHERE id = $1`, sessionID, status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRoster returns actively enrolled student ids.
func (r *PostgresRepository) ActiveRoster(ctx context.Context, classID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT student_id FROM class_students
		WHERE class_id = $1 AND is_active
		ORDER BY student_id
	`, classID)
	return ids, err
}

// ListAttendance returns the rows recorded for a session.
func (r *PostgresRepository) ListAttendance(ctx context.Context, sessionID int64) ([]model.Attendance, error) {
	var rows []model.Attendance
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, student_id, is_present, note, recorded_by, recorded_at_utc
		FROM attendances
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	return rows, err
}

// SaveAttendance upserts each (session, student) row in one transaction.
func (r *PostgresRepository) SaveAttendance(ctx context.Context, rows []model.Attendance) error {
	return store.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, a := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attendances (session_id, student_id, is_present, note, recorded_by, recorded_at_utc)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (session_id, student_id) DO UPDATE SET
					is_present = EXCLUDED.is_present,
					note = EXCLUDED.note,
					recorded_by = EXCLUDED.recorded_by,
					recorded_at_utc = EXCLUDED.recorded_at_utc
			`, a.SessionID, a.StudentID, a.IsPresent, a.Note, a.RecordedBy, a.RecordedAtUtc); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepCandidates lists sessions dated within [from, to].
func (r *PostgresRepository) SweepCandidates(ctx context.Context, from, to time.Time, includeCancelled bool) ([]model.ClassSession, error) {
	var sessions []model.ClassSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE session_date BETWEEN $1 AND $2
		  AND ($3 OR status <> 'cancelled')
		ORDER BY session_date, start_time, id
	`, from, to, includeCancelled)
	return sessions, err
}

// RecordedStudents returns students that already have a row for the session.
func (r *PostgresRepository) RecordedStudents(ctx context.Context, sessionID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT student_id FROM attendances WHERE session_id = $1`, sessionID)
	return ids, err
}

// InsertAbsences writes rows for one session in a single statement, leaving
// existing (session, student) rows untouched.
func (r *PostgresRepository) InsertAbsences(ctx context.Context, rows []model.Attendance) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	first := rows[0]
	students := make([]int64, 0, len(rows))
	for _, a := range rows {
		students = append(students, a.StudentID)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendances (session_id, student_id, is_present, note, recorded_by, recorded_at_utc)
		SELECT $1, sid, $3, $4, $5, $6 FROM unnest($2::bigint[]) AS sid
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, first.SessionID, pq.Array(students), first.IsPresent, first.Note, first.RecordedBy, first.RecordedAtUtc)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
