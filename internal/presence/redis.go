package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"practicehub/pkg/types"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

// RedisMirror publishes presence for readers outside this process.
// ARCHITECTURAL DISCOVERY: The mirror is write-only; in-memory state stays
// authoritative and a Redis outage only degrades external visibility
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient parses url, selects db and verifies the server answers.
func NewRedisClient(ctx context.Context, url string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opt.DB = db

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisMirror wraps client. Entries expire after ttl unless refreshed.
func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *slog.Logger) (*RedisMirror, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "presence_mirror"),
	}, nil
}

// Online writes the user's summary and adds them to the online set.
func (m *RedisMirror) Online(ctx context.Context, p *types.UserPresence) error {
	data, err := json.Marshal(p.Summary())
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	// TECHNICAL DISCOVERY: Pipeline keeps the key and the set in step
	pipe := m.client.Pipeline()
	pipe.Set(ctx, presenceKey(p.UserID), data, m.ttl)
	pipe.SAdd(ctx, onlineSetKey, p.UserID)
	pipe.Expire(ctx, onlineSetKey, m.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror presence: %w", err)
	}
	return nil
}

// Offline removes the user's key and set membership.
func (m *RedisMirror) Offline(ctx context.Context, userID string) error {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove mirrored presence: %w", err)
	}
	return nil
}

// OnlineUserIDs lists the user IDs currently in the online set.
func (m *RedisMirror) OnlineUserIDs(ctx context.Context) ([]string, error) {
	ids, err := m.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return ids, nil
}

// Close releases the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}
