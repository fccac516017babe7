package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// EventRepo keeps every event twice: in the per-fingerprint sorted set read by
// the pattern check and in the global one read by stats and pruning. Scores
// are event timestamps in ms.
type EventRepo struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewEventRepo; ttl bounds the life of an idle per-fingerprint set.
func NewEventRepo(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *EventRepo {
	return &EventRepo{rdb: rdb, ttl: ttl, logger: logger.Named("redis_events")}
}

func (r *EventRepo) Insert(ctx context.Context, e domain.SecurityEvent) error {
	member, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	z := redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: string(member)}

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, infra.ClientEventsKey(e.Fingerprint), z)
	if r.ttl > 0 {
		pipe.PExpire(ctx, infra.ClientEventsKey(e.Fingerprint), r.ttl)
	}
	pipe.ZAdd(ctx, infra.RedisKeyEvents, z)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: insert event: %w", err)
	}
	return nil
}

func (r *EventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	stale, err := r.rdb.ZRangeByScore(ctx, infra.RedisKeyEvents, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scan stale events: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pipe := r.rdb.Pipeline()
	touched := make(map[string]struct{})
	for _, member := range stale {
		var e domain.SecurityEvent
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			r.logger.Warn("skipping undecodable event", zap.Error(err))
			continue
		}
		touched[e.Fingerprint] = struct{}{}
	}
	for fp := range touched {
		pipe.ZRemRangeByScore(ctx, infra.ClientEventsKey(fp), "-inf", upper)
	}
	removed := pipe.ZRemRangeByScore(ctx, infra.RedisKeyEvents, "-inf", upper)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: prune events: %w", err)
	}
	return removed.Val(), nil
}

// Recent returns up to limit events of fp at or after since, oldest first.
func (r *EventRepo) Recent(ctx context.Context, fp string, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	members, err := r.rdb.ZRevRangeByScore(ctx, infra.ClientEventsKey(fp), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent events: %w", err)
	}

	out := make([]domain.SecurityEvent, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var e domain.SecurityEvent
		if err := json.Unmarshal([]byte(members[i]), &e); err != nil {
			return nil, fmt.Errorf("redis: corrupt event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *EventRepo) SeverityCounts(ctx context.Context, since time.Time) (domain.SeverityBreakdown, error) {
	members, err := r.rdb.ZRangeByScore(ctx, infra.RedisKeyEvents, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return domain.SeverityBreakdown{}, fmt.Errorf("redis: severity counts: %w", err)
	}

	var b domain.SeverityBreakdown
	for _, member := range members {
		var e struct {
			Severity domain.Severity `json:"severity"`
		}
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			continue
		}
		b.Add(e.Severity, 1)
	}
	return b, nil
}
