package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// allowScript increments the window counter, starts the window on the first
// hit and reports the remaining TTL, all in one round trip.
var allowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// Redis is a fixed-window limiter shared by every process using the same
// Redis. Requests over the limit still increment the counter; the window
// length is unaffected.
type Redis struct {
	Client   redis.UniversalClient
	Prefix   string
	Limit    int
	Window   time.Duration
	Fallback Limiter
	Log      zerolog.Logger

	// OnFallback, if set, is called each time Redis fails and Fallback answers.
	OnFallback func(error)
	now        func() time.Time
}

// NewRedis builds a Redis limiter with an in-memory fallback of the same shape.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration, log zerolog.Logger) *Redis {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		Client:   client,
		Prefix:   "rentchat:rl:",
		Limit:    limit,
		Window:   window,
		Fallback: NewMemory(limit, window),
		Log:      log,
		now:      time.Now,
	}
}

// Allow counts one send in Redis. On Redis errors the decision comes from
// Fallback and the error is not returned.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := allowScript.Run(ctx, r.Client, []string{r.Prefix + key}, r.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = redis.Nil
		}
		r.Log.Warn().Err(err).Str("key", key).Msg("redis rate limiter unavailable, using local limiter")
		if r.OnFallback != nil {
			r.OnFallback(err)
		}
		return r.Fallback.Allow(ctx, key)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{ResetAt: r.now().Add(ttl)}
	if count > r.Limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = r.Limit - count
	return d, nil
}
