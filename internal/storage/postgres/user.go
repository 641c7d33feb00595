package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gadget-pos/internal/domain/auth"
)

const (
	findUserByKeyHashSQL = `SELECT id, name, email, role, key_hash
		FROM users WHERE key_hash = $1 AND active = TRUE`

	upsertUserSQL = `INSERT INTO users (id, name, email, role, key_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email,
			role = EXCLUDED.role, key_hash = EXCLUDED.key_hash, active = TRUE`
)

var _ auth.Repository = (*UserRepository)(nil)

// UserRepository provides user lookups by API key hash.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// FindByKeyHash looks up an active user by the HMAC-SHA256 hash of their key.
func (r *UserRepository) FindByKeyHash(ctx context.Context, hash string) (*auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := r.pool.QueryRow(ctx, findUserByKeyHashSQL, hash).Scan(&u.ID, &u.Name, &u.Email, &role, &u.KeyHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find user by key hash")
	}
	u.Role = auth.Role(role)
	return &u, nil
}

// Upsert creates or updates a user. KeyHash must already be hashed.
func (r *UserRepository) Upsert(ctx context.Context, u auth.User) error {
	_, err := r.pool.Exec(ctx, upsertUserSQL, u.ID, u.Name, u.Email, string(u.Role), u.KeyHash)
	if err != nil {
		return errors.Wrapf(err, "upsert user %q", u.ID)
	}
	return nil
}
