package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps one device's session under
// payment-session:{deviceID}, expiring with the session TTL.
type RedisSessionStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisSessionStore(client redis.Cmdable, deviceID string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, key: "payment-session:" + deviceID, ttl: ttl}
}

func (r *RedisSessionStore) Load(ctx context.Context) (*Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Save writes the session. The key's expiry follows the session start, so
// rewriting a session never extends its life.
func (r *RedisSessionStore) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Duration(0)
	if r.ttl > 0 {
		// keep the key a little past the TTL so the expiry is observed and
		// reported as pending instead of the session silently vanishing
		ttl = time.Until(s.StartedAt.Add(r.ttl)) + time.Hour
		if ttl <= 0 {
			ttl = time.Hour
		}
	}
	if err := r.client.Set(ctx, r.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}
