package lock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"backup-orchestrator/internal/config"
)

const releaseTimeout = 5 * time.Second

// RedisLocker shares the running flag between service instances.
// Each lock carries a random token so only its owner can release it, and a TTL
// so a crashed instance cannot wedge a repository forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient builds the shared client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisLocker keeps locks for ttl; pass something longer than the backup timeout.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 7 * time.Hour
	}
	return &RedisLocker{
		client: client,
		prefix: "lock:backup:",
		ttl:    ttl,
	}
}

func (l *RedisLocker) lockKey(key string) string {
	return l.prefix + key
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.lockKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{l.lockKey(key)}, token).Err()
		})
	}, true, nil
}

// Held lists keys locked by any instance sharing this redis.
func (l *RedisLocker) Held(ctx context.Context) ([]string, error) {
	out := []string{}
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), l.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan locks")
	}
	sort.Strings(out)
	return out, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
