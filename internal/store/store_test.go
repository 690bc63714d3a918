package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestInTxCommits(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE class_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := InTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE class_sessions SET note = ''")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := InTx(context.Background(), db, func(tx *sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = InTx(context.Background(), db, func(tx *sqlx.Tx) error { panic("kaboom") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsSchema(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS teachers").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, (&DB{Client: db}).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr())
	defer r.Close()
	ctx := context.Background()

	assert.True(t, r.Healthy(ctx))

	lock, err := r.Acquire(ctx, "sweep", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "sweep", "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("sweep"))

	_, err = r.Acquire(ctx, "sweep", "worker-b", time.Minute)
	assert.NoError(t, err)
}

func TestRedisLockReleaseKeepsForeignLease(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr())
	defer r.Close()
	ctx := context.Background()

	lock, err := r.Acquire(ctx, "sweep", "worker-a", time.Second)
	require.NoError(t, err)

	// lease expires and someone else takes it
	mr.FastForward(2 * time.Second)
	_, err = r.Acquire(ctx, "sweep", "worker-b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx))
	got, err := mr.Get("sweep")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", got)
}

func TestRedisLockExtend(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr())
	defer r.Close()
	ctx := context.Background()

	lock, err := r.Acquire(ctx, "sweep", "worker-a", 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)
	require.NoError(t, lock.Extend(ctx, 10*time.Second))
	assert.Equal(t, 10*time.Second, mr.TTL("sweep"))

	mr.FastForward(6 * time.Second)
	assert.True(t, mr.Exists("sweep"))

	// expired and taken over
	mr.FastForward(5 * time.Second)
	_, err = r.Acquire(ctx, "sweep", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, lock.Extend(ctx, 10*time.Second), ErrLockLost)
	assert.Equal(t, time.Minute, mr.TTL("sweep"))
}
