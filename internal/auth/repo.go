package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"artcenter/internal/model"
)

// PostgresRepository reads users from Postgres.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) UserByEmail(ctx context.Context, email string) (model.User, error) {
	return r.get(ctx, `SELECT id, email, password_hash, role, teacher_id, is_active FROM users WHERE email = $1`, email)
}

func (r *PostgresRepository) UserByID(ctx context.Context, id int64) (model.User, error) {
	return r.get(ctx, `SELECT id, email, password_hash, role, teacher_id, is_active FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) get(ctx context.Context, query string, arg any) (model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	return u, err
}
