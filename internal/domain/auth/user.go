package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnauthorized is returned when an API key does not identify an active user.
var ErrUnauthorized = errors.New("unauthorized")

// Role enumerates what a shop user is allowed to do.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCashier    Role = "cashier"
	RoleTechnician Role = "technician"
)

// User is the acting identity stamped onto completed sales.
type User struct {
	ID    string
	Name  string
	Email string
	Role  Role
	// KeyHash is the hex HMAC-SHA256 of the user's API key.
	KeyHash string
}

// Repository provides lookup of active users by their API key hash.
type Repository interface {
	FindByKeyHash(ctx context.Context, hash string) (*User, error)
}

type userKey struct{}

// WithUser returns a context carrying the acting user.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the acting user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}
