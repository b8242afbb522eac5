package lockcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixBooking = "idemp:booking:"
	keySuffixResult  = ":result"
	keySuffixLock    = ":lock"

	defaultPoolSize     = 50
	defaultMinIdleConns = 10
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// ErrInvalidTTL is returned when a lock or cache entry is requested without a positive TTL.
var ErrInvalidTTL = errors.New("ttl must be positive")

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client provides a token-guarded mutex and a JSON result cache on Redis.
type Client struct {
	rdb     redis.Cmdable
	tokenFn func() string
}

// Option configures a Client.
type Option func(*Client)

// WithTokenGenerator overrides the random lock token source.
func WithTokenGenerator(tokenFn func() string) Option {
	return func(client *Client) {
		if tokenFn != nil {
			client.tokenFn = tokenFn
		}
	}
}

// New wraps a go-redis client.
func New(rdb redis.Cmdable, options ...Option) *Client {
	client := &Client{rdb: rdb, tokenFn: uuid.NewString}
	for _, option := range options {
		option(client)
	}
	return client
}

// Connect parses a redis:// URL, applies pool settings and verifies connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.PoolSize = defaultPoolSize
	options.MinIdleConns = defaultMinIdleConns
	options.DialTimeout = defaultDialTimeout
	options.ReadTimeout = defaultReadTimeout
	options.WriteTimeout = defaultWriteTimeout

	rdb := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// BookingLockKey is the mutex key guarding one booking.
func BookingLockKey(bookingID string) string {
	return keyPrefixBooking + bookingID + keySuffixLock
}

// BookingResultKey is the cache key holding the outcome for one booking.
func BookingResultKey(bookingID string) string {
	return keyPrefixBooking + bookingID + keySuffixResult
}

// TryLock sets key to a fresh token if it is absent. acquired is false when another holder owns it.
func (client *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	token := client.tokenFn()
	acquired, err := client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key only if it still holds token. released is false when the lock expired
// or was taken over by another holder.
func (client *Client) Unlock(ctx context.Context, key string, token string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, client.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", key, err)
	}
	return deleted == 1, nil
}

// GetResult decodes the cached value at key into destination.
func (client *Client) GetResult(ctx context.Context, key string, destination any) (bool, error) {
	raw, err := client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, destination); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutResult stores value as JSON at key for ttl.
func (client *Client) PutResult(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := client.rdb.Set(ctx, key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
