package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisConfig controls a Redis-backed Locker.
type RedisConfig struct {
	// Prefix is prepended to every key. Default: "orders:lock:".
	Prefix string
	// TTL bounds how long a crashed holder can keep a key. Default: 30s.
	TTL time.Duration
	// Wait is how long Lock keeps retrying before ErrNotAcquired. Default: 10s.
	Wait time.Duration
}

// Redis is a Locker shared by every process talking to one Redis. Locks are
// SET NX keys holding a random token; release only deletes a matching token.
type Redis struct {
	rdb redis.UniversalClient
	cfg RedisConfig
}

// NewRedis creates a Redis locker over rdb.
func NewRedis(rdb redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "orders:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	return &Redis{rdb: rdb, cfg: cfg}
}

// Lock retries SET NX with capped exponential backoff until it succeeds, the
// wait budget runs out or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (Release, error) {
	lockKey := r.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.cfg.Wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := r.rdb.SetNX(ctx, lockKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "lock: set %s", lockKey)
		}
		if ok {
			zap.L().Debug("lock: acquired", zap.String("key", lockKey))
			return r.release(lockKey, token), nil
		}
		if !time.Now().Add(backoff).Before(deadline) {
			return nil, eris.Wrapf(ErrNotAcquired, "key %s", key)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func (r *Redis) release(lockKey, token string) Release {
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.rdb, []string{lockKey}, token).Int64()
		if err != nil {
			return eris.Wrapf(err, "lock: release %s", lockKey)
		}
		if n == 0 {
			return eris.Wrapf(ErrNotHeld, "key %s", lockKey)
		}
		zap.L().Debug("lock: released", zap.String("key", lockKey))
		return nil
	}
}
