package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psds-microservice/appeal-service/internal/service"
)

// AttemptStore counts failed deliveries per (ticket, reply text).
type AttemptStore interface {
	Incr(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// attemptKey changes when the specialist rewrites the reply, so a new answer
// starts with a fresh budget.
func attemptKey(r service.SpecialistReply) string {
	sum := sha256.Sum256([]byte(r.Text))
	who := strconv.FormatInt(r.Identity, 10)
	if r.Identity == 0 {
		who = r.Ref.PartnerCode + "/" + r.Ref.Phone
	}
	return who + ":" + hex.EncodeToString(sum[:8])
}

// MemoryAttempts keeps counters in process; they are lost on restart.
type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]int)}
}

func (m *MemoryAttempts) Incr(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemoryAttempts) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

// RedisAttempts — счётчики попыток доставки в Redis, переживают рестарт сервиса.
type RedisAttempts struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisAttempts stores counters under prefix; each key expires ttl after
// its last failure so abandoned counters do not pile up.
func NewRedisAttempts(client *redis.Client, prefix string, ttl time.Duration) *RedisAttempts {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisAttempts{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisAttempts) Incr(ctx context.Context, key string) (int, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, r.prefix+key)
	pipe.Expire(ctx, r.prefix+key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: incr delivery attempts: %w", err)
	}
	return int(incr.Val()), nil
}

func (r *RedisAttempts) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: reset delivery attempts: %w", err)
	}
	return nil
}
