package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Authenticator resolves API keys to users via HMAC-SHA256 hashed keys.
type Authenticator struct {
	users  Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator with the given user repository
// and HMAC pepper.
func NewAuthenticator(users Repository, pepper []byte) *Authenticator {
	return &Authenticator{
		users:  users,
		pepper: pepper,
	}
}

// HashKey returns the hex-encoded HMAC-SHA256 of key under pepper. Seeding
// tools use it to store keys the same way Authenticate looks them up.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate looks up the user owning apiKey. Every failure is reported
// as ErrUnauthorized so callers cannot tell unknown keys from lookup errors.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*User, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}

	mac := hmac.New(sha256.New, a.pepper)
	mac.Write([]byte(apiKey))
	hash := mac.Sum(nil)

	u, err := a.users.FindByKeyHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return nil, ErrUnauthorized
	}

	// The repository may hand back a row that does not match what we
	// computed; compare in constant time before trusting it.
	stored, err := hex.DecodeString(u.KeyHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, ErrUnauthorized
	}

	return u, nil
}
