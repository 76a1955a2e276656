package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/svcerr"
)

// RedisSequence implements Sequence as a Redis list plus a base-offset key.
// Every multi-step operation runs as a Lua script so that appends serialize
// and readers always see a consistent (base, values) pair.
type RedisSequence struct {
	rdb       redis.Scripter
	valuesKey string
	baseKey   string
}

// NewRedisSequence creates a sequence stored under the given key prefix,
// e.g. "seq" gives "seq:values" and "seq:base".
func NewRedisSequence(rdb redis.Scripter, prefix string) *RedisSequence {
	return &RedisSequence{
		rdb:       rdb,
		valuesKey: prefix + ":values",
		baseKey:   prefix + ":base",
	}
}

// stateScript returns {base, length, tailValue}.
var stateScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local n = redis.call('LLEN', KEYS[1])
if n == 0 then
  return {base, 0, ''}
end
return {base, n, redis.call('LINDEX', KEYS[1], -1)}
`)

// atScript returns {status, value}: 0 ok, 1 trimmed, 2 not appended yet.
var atScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local i = tonumber(ARGV[1])
if i < base then
  return {1, ''}
end
local v = redis.call('LINDEX', KEYS[1], i - base)
if not v then
  return {2, ''}
end
return {0, v}
`)

// rangeScript returns {firstIndex, {values...}} for [from, to).
var rangeScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local from = tonumber(ARGV[1])
local to = tonumber(ARGV[2])
if from < base then
  from = base
end
if to <= from then
  return {from, {}}
end
return {from, redis.call('LRANGE', KEYS[1], from - base, to - base - 1)}
`)

// appendScript pushes ARGV[2] only when the current length equals ARGV[1].
var appendScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local len = base + redis.call('LLEN', KEYS[1])
if len ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return len
`)

// trimScript drops values below ARGV[1] and advances the base offset.
var trimScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local before = tonumber(ARGV[1])
if before <= base then
  return base
end
local n = redis.call('LLEN', KEYS[1])
local drop = before - base
if drop > n then
  drop = n
end
redis.call('LTRIM', KEYS[1], drop, -1)
redis.call('SET', KEYS[2], base + drop)
return base + drop
`)

func (s *RedisSequence) keys() []string {
	return []string{s.valuesKey, s.baseKey}
}

func (s *RedisSequence) state(ctx context.Context) (base, n int64, tail string, err error) {
	res, err := stateScript.Run(ctx, s.rdb, s.keys()).Slice()
	if err != nil {
		return 0, 0, "", transient(err)
	}
	if len(res) != 3 {
		return 0, 0, "", fmt.Errorf("sequence state: unexpected reply %v", res)
	}
	base, _ = res[0].(int64)
	n, _ = res[1].(int64)
	tail, _ = res[2].(string)
	return base, n, tail, nil
}

func (s *RedisSequence) Len(ctx context.Context) (int64, error) {
	base, n, _, err := s.state(ctx)
	if err != nil {
		return 0, err
	}
	return base + n, nil
}

func (s *RedisSequence) Tail(ctx context.Context) (model.Tick, error) {
	base, n, tail, err := s.state(ctx)
	if err != nil {
		return model.Tick{}, err
	}
	if n == 0 {
		return model.Tick{}, ErrSequenceEmpty
	}
	v, err := decimal.NewFromString(tail)
	if err != nil {
		return model.Tick{}, fmt.Errorf("sequence tail: %w", err)
	}
	return model.Tick{Index: base + n - 1, Value: v}, nil
}

func (s *RedisSequence) At(ctx context.Context, index int64) (model.Tick, error) {
	res, err := atScript.Run(ctx, s.rdb, s.keys(), index).Slice()
	if err != nil {
		return model.Tick{}, transient(err)
	}
	if len(res) != 2 {
		return model.Tick{}, fmt.Errorf("sequence at %d: unexpected reply %v", index, res)
	}
	status, _ := res[0].(int64)
	switch status {
	case 1:
		return model.Tick{}, fmt.Errorf("index %d: %w", index, ErrIndexTrimmed)
	case 2:
		return model.Tick{}, fmt.Errorf("index %d: %w", index, ErrIndexNotFound)
	}
	raw, _ := res[1].(string)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return model.Tick{}, fmt.Errorf("sequence at %d: %w", index, err)
	}
	return model.Tick{Index: index, Value: v}, nil
}

func (s *RedisSequence) Range(ctx context.Context, from, to int64) ([]model.Tick, error) {
	res, err := rangeScript.Run(ctx, s.rdb, s.keys(), from, to).Slice()
	if err != nil {
		return nil, transient(err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("sequence range: unexpected reply %v", res)
	}
	first, _ := res[0].(int64)
	raw, _ := res[1].([]interface{})

	ticks := make([]model.Tick, 0, len(raw))
	for i, r := range raw {
		str, _ := r.(string)
		v, err := decimal.NewFromString(str)
		if err != nil {
			return nil, fmt.Errorf("sequence range at %d: %w", first+int64(i), err)
		}
		ticks = append(ticks, model.Tick{Index: first + int64(i), Value: v})
	}
	return ticks, nil
}

func (s *RedisSequence) AppendAt(ctx context.Context, index int64, value decimal.Decimal) error {
	got, err := appendScript.Run(ctx, s.rdb, s.keys(), index, value.String()).Int64()
	if err != nil {
		return transient(err)
	}
	if got < 0 {
		return fmt.Errorf("append at %d: %w", index, ErrAppendConflict)
	}
	return nil
}

func (s *RedisSequence) Trim(ctx context.Context, before int64) error {
	if err := trimScript.Run(ctx, s.rdb, s.keys(), before).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %w", svcerr.ErrTransientStore, err)
}
