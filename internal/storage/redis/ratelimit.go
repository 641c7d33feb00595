package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/gadget-pos/pkg/httpmiddleware"
)

const rateKeyPrefix = "pos:ratelimit:"

var _ httpmiddleware.Limiter = (*Limiter)(nil)

// Limiter is a fixed window rate limiter shared by every server instance.
type Limiter struct {
	client redis.UniversalClient
	max    int
	window time.Duration
	now    func() time.Time
}

// NewLimiter allows max requests per key in every window.
func NewLimiter(client redis.UniversalClient, max int, window time.Duration) *Limiter {
	return &Limiter{client: client, max: max, window: window, now: time.Now}
}

func (l *Limiter) Allow(ctx context.Context, key string) (httpmiddleware.Decision, error) {
	start := l.now().Truncate(l.window)
	k := rateKeyPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	if _, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.ExpireNX(ctx, k, l.window)
		return nil
	}); err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "incr window")
	}

	n := int(incr.Val())
	return httpmiddleware.Decision{
		Allowed:   n <= l.max,
		Remaining: max(l.max-n, 0),
		ResetAt:   start.Add(l.window),
	}, nil
}
