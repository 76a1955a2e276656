package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/svcerr"
)

// Leader decides whether this process may extend the sequence.
type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

// AlwaysLeader is used when a single process serves the sequence.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader(context.Context) (bool, error) { return true, nil }

// renewScript extends the lease only while it is still ours.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while it is still ours.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease is a time-bounded lock in Redis. The holder renews it on every
// check; if the holder dies another replica takes over once the TTL lapses.
type RedisLease struct {
	rdb redis.UniversalClient
	key string
	id  string
	ttl time.Duration
}

func NewRedisLease(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{rdb: rdb, key: key, id: uuid.NewString(), ttl: ttl}
}

// ID identifies this lease holder.
func (l *RedisLease) ID() string { return l.id }

func (l *RedisLease) IsLeader(ctx context.Context) (bool, error) {
	acquired, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire lease: %w", svcerr.ErrTransientStore, err)
	}
	if acquired {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: renew lease: %w", svcerr.ErrTransientStore, err)
	}
	return renewed == 1, nil
}

// Release gives up the lease if held so a standby can take over immediately.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
