package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache for account reads. Every mutation goes to the primary and
// invalidates the cached account; ApplyDelta never reads from the cache.
//
// Each account has a version counter bumped after every committed write. A
// reader records the version before reading the primary and fills the cache
// only if the version is unchanged, so a slow reader cannot overwrite the
// invalidation of a newer write.
type CachedLedger struct {
	primary Ledger
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb redis.Cmdable, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// KEYS[1] account, KEYS[2] version. ARGV: expected version, data, ttl ms.
var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '') ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedLedger) ApplyDelta(ctx context.Context, id, key string, fn DeltaFunc) (*model.Receipt, error) {
	receipt, err := s.primary.ApplyDelta(ctx, id, key, fn)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return receipt, nil
}

func (s *CachedLedger) EnsureAccount(ctx context.Context, id string) (*model.Account, error) {
	version := s.version(ctx, id)
	a, err := s.primary.EnsureAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, a, version)
	return a, nil
}

// --- Read-through (check cache first) ---

func (s *CachedLedger) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	version := s.version(ctx, id)
	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, a, version)
	return a, nil
}

// version returns the account's current write version, or "" if it has
// never been written or Redis is unavailable.
func (s *CachedLedger) version(ctx context.Context, id string) string {
	v, err := s.rdb.Get(ctx, versionKey(id)).Result()
	if err != nil {
		return ""
	}
	return v
}

// invalidate bumps the version before dropping the entry. Both run in one
// transaction.
func (s *CachedLedger) invalidate(ctx context.Context, id string) {
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(id))
		pipe.Del(ctx, accountKey(id))
		return nil
	})
}

func (s *CachedLedger) fill(ctx context.Context, a *model.Account, version string) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	_ = fillScript.Run(ctx, s.rdb, []string{accountKey(a.ID), versionKey(a.ID)},
		version, data, s.ttl.Milliseconds()).Err()
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }

func versionKey(id string) string { return fmt.Sprintf("account:%s:v", id) }
