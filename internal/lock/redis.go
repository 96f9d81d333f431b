package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLockKey = "hostpanel:lifecycle:reconcile"

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica pointing at the same Redis.
// The TTL bounds how long a crashed holder can block other replicas.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedis builds a Redis-backed lock. An empty key falls back to the default.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis lock requires a client")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("redis lock ttl must be positive, got %s", ttl)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisLockKey
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

func (r *Redis) TryAcquire(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		return false, nil
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire redis lock %s: %w", r.key, err)
	}
	if ok {
		r.token = token
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token == "" {
		return ErrNotHeld
	}
	token := r.token
	r.token = ""

	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release redis lock %s: %w", r.key, err)
	}
	if deleted == 0 {
		// The TTL expired and another replica may now hold the key.
		return ErrNotHeld
	}
	return nil
}
