package accounting

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"artcenter/internal/model"
	"artcenter/internal/store"
)

// PostgresRepository persists accounting effects in Postgres.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithTx runs fn inside one transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	return store.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

// MonthlyStats lists a teacher's stats for one year ordered by month.
func (r *PostgresRepository) MonthlyStats(ctx context.Context, teacherID int64, year int) ([]model.TeacherMonthlyStat, error) {
	var stats []model.TeacherMonthlyStat
	err := r.db.SelectContext(ctx, &stats, `
		SELECT teacher_id, year, month, taught_count
		FROM teacher_monthly_stats
		WHERE teacher_id = $1 AND year = $2
		ORDER BY month
	`, teacherID, year)
	return stats, err
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t pgTx) LockSession(ctx context.Context, sessionID int64) (model.ClassSession, error) {
	var sess model.ClassSession
	err := t.tx.GetContext(ctx, &sess, `
		SELECT id, class_id, session_date, start_time, end_time, teacher_id, status,
		       is_auto_generated, note, accounting_applied, accounting_applied_at_utc
		FROM class_sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClassSession{}, ErrNotFound
	}
	return sess, err
}

func (t pgTx) IncrementTeacherStat(ctx context.Context, teacherID int64, year, month int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO teacher_monthly_stats (teacher_id, year, month, taught_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (teacher_id, year, month) DO UPDATE
		SET taught_count = teacher_monthly_stats.taught_count + 1
	`, teacherID, year, month)
	return err
}

func (t pgTx) DebitAttendees(ctx context.Context, sessionID, classID int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE class_students cs
		SET remaining_sessions = GREATEST(cs.remaining_sessions - 1, 0)
		FROM attendances a
		WHERE a.session_id = $1
		  AND cs.class_id = $2
		  AND cs.student_id = a.student_id
		  AND cs.is_active
	`, sessionID, classID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t pgTx) MarkApplied(ctx context.Context, sessionID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE class_sessions
		SET accounting_applied = TRUE, accounting_applied_at_utc = $2
		WHERE id = $1
	`, sessionID, at)
	return err
}
