package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "changefeed:account:"

// RedisFeed relays snapshots over Redis pub/sub so every API instance sees
// changes committed by any other instance. go-redis reconnects the underlying
// connection on its own; missed messages are not replayed.
type RedisFeed struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisFeed builds a Redis-backed feed.
func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, logger: logger}
}

func redisChannel(accountID string) string {
	return redisChannelPrefix + accountID
}

// Publish writes the snapshot to the account channel.
func (f *RedisFeed) Publish(ctx context.Context, snap AccountSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.client.Publish(ctx, redisChannel(snap.AccountID), payload).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Subscribe listens on the account channel until ctx ends.
func (f *RedisFeed) Subscribe(ctx context.Context, accountID string) (<-chan AccountSnapshot, error) {
	ps := f.client.Subscribe(ctx, redisChannel(accountID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", accountID, err)
	}

	out := make(chan AccountSnapshot, defaultBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap AccountSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					f.logger.Warn("changefeed: undecodable redis payload", slog.String("account_id", accountID), slog.Any("error", err))
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
