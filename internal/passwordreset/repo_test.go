package passwordreset

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPostgresReserveAttemptCountsBelowCap(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`UPDATE password_reset_otps SET attempts = attempts \+ 1\s+WHERE id = \$1 AND attempts < \$2\s+RETURNING attempts`).
		WithArgs("otp-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))

	n, err := repo.ReserveAttempt(context.Background(), "otp-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveAttemptAtCap(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`UPDATE password_reset_otps`).
		WithArgs("otp-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}))

	_, err := repo.ReserveAttempt(context.Background(), "otp-1", 5)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
