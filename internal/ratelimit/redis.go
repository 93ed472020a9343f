package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

var allowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis is a fixed-window limiter shared by every replica that points at the
// same Redis. The window admits burst requests and lasts burst/perSecond.
type Redis struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

// NewRedis connects to addr. Callers own the returned client through Close.
func NewRedis(addr string, perSecond float64, burst int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisWithClient(client, perSecond, burst), nil
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client redis.Cmdable, perSecond float64, burst int) *Redis {
	window := time.Second
	if perSecond > 0 && burst > 0 {
		window = time.Duration(math.Ceil(float64(burst)/perSecond*1000)) * time.Millisecond
	}
	if window < time.Second {
		window = time.Second
	}
	return &Redis{client: client, prefix: "xpert:rl:", limit: burst, window: window}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := res.([]any)
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("ratelimit: unexpected redis response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("ratelimit: invalid redis counter")
	}
	if current <= int64(r.limit) {
		return Decision{Allowed: true}, nil
	}
	ttl, _ := values[1].(int64)
	retry := time.Duration(ttl) * time.Millisecond
	if retry <= 0 {
		retry = r.window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Close releases the client when it was created by NewRedis.
func (r *Redis) Close() error {
	if c, ok := r.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
