package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// KEYS[1] client hash, KEYS[2] active blocks zset.
// ARGV expected, data, blocked(0|1), expires_at(ms), fingerprint, ttl(ms).
// -2 exists (create), -1 version moved, otherwise the new version.
var saveStateScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if expected == 0 then
  if v then
    return -2
  end
elseif (not v) or tonumber(v) ~= expected then
  return -1
end
local nv = expected + 1
redis.call('HSET', KEYS[1], 'version', nv, 'data', ARGV[2])
if tonumber(ARGV[6]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
if ARGV[3] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
else
  redis.call('ZREM', KEYS[2], ARGV[5])
end
return nv
`)

type StateRepo struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewStateRepo stores client state; ttl expires idle fingerprints (0 keeps them).
func NewStateRepo(rdb redis.UniversalClient, ttl time.Duration) *StateRepo {
	return &StateRepo{rdb: rdb, ttl: ttl}
}

func (r *StateRepo) Get(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	fields, err := r.rdb.HMGet(ctx, infra.ClientKey(fp), "version", "data").Result()
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("redis: get client state: %w", err)
	}
	version, _ := fields[0].(string)
	data, _ := fields[1].(string)
	if version == "" || data == "" {
		return domain.ClientSecurityState{}, domain.ErrNotFound
	}

	var s domain.ClientSecurityState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("redis: corrupt client state: %w", err)
	}
	if s.Version, err = strconv.ParseInt(version, 10, 64); err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("redis: corrupt client version: %w", err)
	}
	return s, nil
}

func (r *StateRepo) Save(ctx context.Context, s domain.ClientSecurityState, expectedVersion int64) (domain.ClientSecurityState, error) {
	s.Version = expectedVersion + 1
	data, err := json.Marshal(s)
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("redis: encode client state: %w", err)
	}

	blocked := "0"
	if s.IsBlocked {
		blocked = "1"
	}
	res, err := saveStateScript.Run(ctx, r.rdb,
		[]string{infra.ClientKey(s.Fingerprint), infra.RedisKeyActiveBlocks},
		expectedVersion, data, blocked, s.BlockExpiresAt.UnixMilli(), s.Fingerprint, r.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("redis: save client state: %w", err)
	}

	switch res {
	case -2:
		return domain.ClientSecurityState{}, domain.ErrAlreadyExists
	case -1:
		return domain.ClientSecurityState{}, domain.ErrVersionConflict
	}
	s.Version = res
	return s, nil
}

// CountActiveBlocks trims expired entries from the index, then counts the rest.
func (r *StateRepo) CountActiveBlocks(ctx context.Context, now time.Time) (int64, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, infra.RedisKeyActiveBlocks, "-inf", nowMs)
	count := pipe.ZCount(ctx, infra.RedisKeyActiveBlocks, "("+nowMs, "+inf")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis: count active blocks: %w", err)
	}
	return count.Val(), nil
}
