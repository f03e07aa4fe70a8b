package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"relay/pkg/types"
)

// Mirror receives every presence transition after it is committed locally
type Mirror interface {
	Publish(ctx context.Context, p types.Presence) error
	Close() error
}

// NopMirror discards presence transitions
type NopMirror struct{}

func (NopMirror) Publish(context.Context, types.Presence) error { return nil }
func (NopMirror) Close() error                                  { return nil }

// Redis key layout
const (
	keyPrefix       = "relay:presence:"
	PresenceChannel = "relay:presence"
)

// RedisMirror copies presence into Redis hashes and publishes each transition
// ARCHITECTURAL DISCOVERY: Other processes (dashboards, notifiers) can read presence
// without touching the relay; the relay itself never reads back from Redis
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects to url and verifies the connection with a ping.
// A positive ttl expires each hash that long after its last update.
func NewRedisMirror(ctx context.Context, url string, ttl time.Duration) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisMirror{client: c, ttl: ttl}, nil
}

// Publish stores p under relay:presence:<id>, refreshes its expiry and announces it on
// the presence channel
func (m *RedisMirror) Publish(ctx context.Context, p types.Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: encode presence: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, Key(p.UserID), map[string]interface{}{
		"online":   strconv.FormatBool(p.Online),
		"lastSeen": p.LastSeen.UTC().Format(time.RFC3339Nano),
	})
	if m.ttl > 0 {
		pipe.Expire(ctx, Key(p.UserID), m.ttl)
	}
	pipe.Publish(ctx, PresenceChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish presence: %w", err)
	}
	return nil
}

// Lookup reads the mirrored state of userID
func (m *RedisMirror) Lookup(ctx context.Context, userID int64) (types.Presence, bool, error) {
	fields, err := m.client.HGetAll(ctx, Key(userID)).Result()
	if err != nil {
		return types.Presence{}, false, fmt.Errorf("redis: lookup presence: %w", err)
	}
	if len(fields) == 0 {
		return types.Presence{}, false, nil
	}

	p := types.Presence{UserID: userID}
	p.Online, _ = strconv.ParseBool(fields["online"])
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, fields["lastSeen"])
	return p, true, nil
}

// Close releases the client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Key returns the Redis hash key for userID
func Key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}
