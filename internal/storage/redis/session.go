// Package redis keeps till sessions in Redis so a draft sale survives a
// server restart. Several API instances may share the store only together
// with Locker, which serializes the load-modify-save of each session.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const (
	keyPrefix  = "pos:session:"
	defaultTTL = 12 * time.Hour
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a client and verifies the server answers.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return client, nil
}

var _ sale.SessionStore = (*SessionStore)(nil)

// SessionStore stores each session as a JSON document under its own key.
// Every save refreshes the key's TTL; an idle till loses its draft after it.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSessionStore returns a SessionStore. A non-positive ttl selects the
// default of twelve hours.
func NewSessionStore(client redis.UniversalClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (sale.Session, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sale.Session{}, nil
		}
		return sale.Session{}, errors.Wrapf(err, "get session %q", sessionID)
	}

	var sess sale.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return sale.Session{}, errors.Wrapf(err, "decode session %q", sessionID)
	}
	return sess, nil
}

func (s *SessionStore) Save(ctx context.Context, sessionID string, sess sale.Session) error {
	key := keyPrefix + sessionID
	if sess.Current == nil {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return errors.Wrapf(err, "delete session %q", sessionID)
		}
		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrapf(err, "encode session %q", sessionID)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set session %q", sessionID)
	}
	return nil
}
