package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/lot-ledger/costlot"
)

// Redis locks keys across processes with redislock leases. The lease TTL
// must outlive the longest transaction; the lock is released on unlock, or
// expires after TTL if the holder dies.
type Redis struct {
	locker  *redislock.Client
	prefix  string
	ttl     time.Duration
	backoff time.Duration
	log     zerolog.Logger
}

type RedisOptions struct {
	Prefix  string        // default "lotledger:lock"
	TTL     time.Duration // default 30s
	Backoff time.Duration // retry interval while the key is held, default 50ms
	Logger  zerolog.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "lotledger:lock"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	return &Redis{
		locker:  redislock.New(client),
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		backoff: opts.Backoff,
		log:     opts.Logger,
	}
}

// LockName is the redis key guarding a lot key.
func (r *Redis) LockName(key costlot.Key) string {
	return fmt.Sprintf("%s:%s", r.prefix, key.String())
}

// Lock retries until the lease is obtained or ctx ends.
func (r *Redis) Lock(ctx context.Context, key costlot.Key) (func(), error) {
	name := r.LockName(key)
	lease, err := r.locker.Obtain(ctx, name, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", costlot.ErrLockNotObtained, name)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", name, err)
	}

	return func() {
		// Fresh context: the caller's may already be cancelled after commit.
		if err := lease.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Warn().Err(err).Str("lock", name).Msg("release lot lock")
		}
	}, nil
}
