package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const (
	lockKeyPrefix      = "pos:lock:"
	defaultLockTTL     = 30 * time.Second
	defaultLockWait    = 5 * time.Second
	defaultLockRetry   = 25 * time.Millisecond
	lockReleaseTimeout = 2 * time.Second
)

// releaseScript deletes the lock only while it still carries our token, so
// an expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ sale.Locker = (*Locker)(nil)

// LockerOptions tunes a Locker. Zero values select the defaults.
type LockerOptions struct {
	// TTL bounds how long a crashed holder blocks the session. It must
	// exceed the longest command, completion timeout included.
	TTL time.Duration
	// Wait is how long Lock retries before giving up with sale.ErrSessionBusy.
	Wait  time.Duration
	Retry time.Duration
}

// Locker serializes session commands across API instances with a
// SET NX PX lock per session.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewLocker returns a Locker.
func NewLocker(client redis.UniversalClient, opts LockerOptions) *Locker {
	l := &Locker{
		client: client,
		ttl:    opts.TTL,
		wait:   opts.Wait,
		retry:  opts.Retry,
	}
	if l.ttl <= 0 {
		l.ttl = defaultLockTTL
	}
	if l.wait <= 0 {
		l.wait = defaultLockWait
	}
	if l.retry <= 0 {
		l.retry = defaultLockRetry
	}
	return l
}

func (l *Locker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := uuid.New().String()

	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(sale.ErrSessionBusy, "session %q: %v", sessionID, err)
		}
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "lock session %q", sessionID)
		}
		if ok {
			return func() { l.release(ctx, key, token) }, nil
		}

		select {
		case <-ctx.Done():
			// Reported at the top of the loop.
		case <-deadline.C:
			return nil, errors.Wrapf(sale.ErrSessionBusy, "session %q locked for %s", sessionID, l.wait)
		case <-time.After(l.retry):
		}
	}
}

// release runs on a fresh context: the request context may already be
// cancelled when the command returns.
func (l *Locker) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
		zctx.From(ctx).Warn("Release session lock", zap.String("key", key), zap.Error(err))
	}
}
