package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// #region memory-lease

// MemoryLease is a process-local Lease.
type MemoryLease struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryHold
}

type memoryHold struct {
	token   string
	expires time.Time
}

// NewMemoryLease creates an empty in-process lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{now: time.Now, leases: make(map[string]memoryHold)}
}

// Acquire takes the tag's lease unless an unexpired holder owns it.
func (l *MemoryLease) Acquire(_ context.Context, tag string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.leases[tag]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return "", false, nil
	}
	h := memoryHold{token: uuid.NewString()}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	l.leases[tag] = h
	return h.token, true, nil
}

// Release frees the lease if token still owns it.
func (l *MemoryLease) Release(_ context.Context, tag, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.leases[tag]; ok && h.token == token {
		delete(l.leases, tag)
	}
	return nil
}

// #endregion

// #region redis-lease

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLease shares per-tag leases between controller replicas.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease creates a lease table under keys "<prefix><tag>".
func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "router:lease:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

// Acquire sets the lease key with SET NX PX.
func (l *RedisLease) Acquire(ctx context.Context, tag string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+tag, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", tag, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease key if token still owns it.
func (l *RedisLease) Release(ctx context.Context, tag, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + tag}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", tag, err)
	}
	return nil
}

// #endregion
