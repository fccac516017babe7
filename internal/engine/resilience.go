package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResubscribeDelay is the pause before a new Subscribe after a failure.
var ResubscribeDelay = 2 * time.Second

// ListenResilient keeps a Pub/Sub subscription alive until ctx ends.
// onReconnect runs after every successful (re)subscribe so the caller can
// resync whatever it missed; handlers are keyed by channel.
func ListenResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	onReconnect func(ctx context.Context) error,
	handlers map[string]func(payload string),
) {
	channels := make([]string, 0, len(handlers))
	for ch := range handlers {
		channels = append(channels, ch)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channels...)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.Strings("channels", channels), zap.Error(err))
			sleepCtx(ctx, ResubscribeDelay)
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				if h, found := handlers[msg.Channel]; found {
					h(msg.Payload)
				}
			}
		}

		_ = pubsub.Close()
		logger.Warn("subscription lost, resubscribing", zap.Strings("channels", channels))
		sleepCtx(ctx, ResubscribeDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
