// Package redisstore keeps counter rows, client security state and security
// events in Redis. Conditional writes run as Lua scripts so the version check
// and the write are one atomic step on the server.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// KEYS[1] row; ARGV value, version, updated_at(ms). 1 created, 0 exists.
var createCounterScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// KEYS[1] row; ARGV expected, value, updated_at(ms).
// {-1} missing, {0} version moved, {1, new_version} written.
var casCounterScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return {-1}
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return {0}
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', nv, 'updated_at', ARGV[3])
return {1, nv}
`)

type CounterRepo struct {
	rdb redis.UniversalClient
}

func NewCounterRepo(rdb redis.UniversalClient) *CounterRepo {
	return &CounterRepo{rdb: rdb}
}

func (r *CounterRepo) Get(ctx context.Context, name string) (domain.Counter, error) {
	fields, err := r.rdb.HGetAll(ctx, infra.CounterKey(name)).Result()
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis: get counter: %w", err)
	}
	if len(fields) == 0 {
		return domain.Counter{}, domain.ErrNotFound
	}

	c := domain.Counter{Name: name}
	if c.Value, err = strconv.ParseInt(fields["value"], 10, 64); err != nil {
		return domain.Counter{}, fmt.Errorf("redis: corrupt counter value: %w", err)
	}
	if c.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return domain.Counter{}, fmt.Errorf("redis: corrupt counter version: %w", err)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		c.LastUpdated = time.UnixMilli(ms).UTC()
	}
	return c, nil
}

func (r *CounterRepo) Create(ctx context.Context, c domain.Counter) error {
	created, err := createCounterScript.Run(ctx, r.rdb, []string{infra.CounterKey(c.Name)},
		c.Value, c.Version, c.LastUpdated.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis: create counter: %w", err)
	}
	if created == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *CounterRepo) CompareAndSwap(ctx context.Context, name string, expectedVersion, value int64, now time.Time) (domain.Counter, error) {
	res, err := casCounterScript.Run(ctx, r.rdb, []string{infra.CounterKey(name)},
		expectedVersion, value, now.UnixMilli()).Int64Slice()
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis: cas counter: %w", err)
	}
	// a missing row is a conflict too: the caller re-reads and takes the create path
	if len(res) < 2 || res[0] != 1 {
		return domain.Counter{}, domain.ErrVersionConflict
	}
	return domain.Counter{
		Name:        name,
		Value:       value,
		Version:     res[1],
		LastUpdated: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}
