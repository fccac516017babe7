package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// Publisher fans counter updates and operator decisions out over Pub/Sub.
type Publisher struct {
	rdb redis.UniversalClient
}

func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) PublishCounter(ctx context.Context, c domain.Counter) error {
	payload, err := json.Marshal(c.State())
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, infra.RedisChanCounterUpdates, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish counter: %w", err)
	}
	return nil
}

// PublishBlock sends "<fingerprint>:true|false" after the state write.
func (p *Publisher) PublishBlock(ctx context.Context, fp string, blocked bool) error {
	msg := fp + ":" + strconv.FormatBool(blocked)
	if err := p.rdb.Publish(ctx, infra.RedisChanBlocks, msg).Err(); err != nil {
		return fmt.Errorf("redis: publish block: %w", err)
	}
	return nil
}
