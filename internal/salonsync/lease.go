package salonsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a held claim on a resource. Token grows with every grant and is
// needed to renew or release it.
type Lease struct {
	Token     uint64
	ExpiresAt time.Time
}

// LeaseManager grants one owner at a time a time-limited claim on a
// resource. The reconciler holds one per queue so agents sharing a queue never
// replay the same records concurrently.
type LeaseManager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, resource, owner string, token uint64) error
}

func checkLeaseArgs(resource, owner string) error {
	if strings.TrimSpace(resource) == "" {
		return errors.New("lease resource is required")
	}
	if strings.TrimSpace(owner) == "" {
		return errors.New("lease owner is required")
	}
	return nil
}

type memoryLease struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// MemoryLeases is a LeaseManager for a single process.
type MemoryLeases struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]memoryLease
	now     func() time.Time
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{entries: map[string]memoryLease{}, now: time.Now}
}

func (m *MemoryLeases) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return Lease{}, false, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[resource]; ok && now.Before(cur.expiresAt) {
		return Lease{}, false, nil
	}
	m.seq++
	l := Lease{Token: m.seq, ExpiresAt: now.Add(ttl)}
	m.entries[resource] = memoryLease{owner: owner, token: l.Token, expiresAt: l.ExpiresAt}
	return l, true, nil
}

func (m *MemoryLeases) Renew(_ context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return Lease{}, false, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[resource]
	if !ok || cur.owner != owner || cur.token != token || !now.Before(cur.expiresAt) {
		return Lease{}, false, nil
	}
	cur.expiresAt = now.Add(ttl)
	m.entries[resource] = cur
	return Lease{Token: token, ExpiresAt: cur.expiresAt}, true, nil
}

// Release drops the lease if owner still holds it with token.
func (m *MemoryLeases) Release(_ context.Context, resource, owner string, token uint64) error {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[resource]; ok && cur.owner == owner && cur.token == token {
		delete(m.entries, resource)
	}
	return nil
}

// RedisLeases keeps leases as SET NX PX keys holding "owner|token", so every
// agent pointed at the same redis shares them.
type RedisLeases struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLeases(client redis.Cmdable, prefix string) *RedisLeases {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "salonsync:lease"
	}
	return &RedisLeases{client: client, prefix: normalized}
}

func (m *RedisLeases) holdKey(resource string) string { return m.prefix + ":hold:" + resource }
func (m *RedisLeases) seqKey(resource string) string  { return m.prefix + ":seq:" + resource }

func (m *RedisLeases) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return Lease{}, false, err
	}
	token, err := m.client.Incr(ctx, m.seqKey(resource)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease incr token: %w", err)
	}
	ok, err := m.client.SetNX(ctx, m.holdKey(resource), leaseValue(owner, token), ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease setnx: %w", err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (m *RedisLeases) Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return Lease{}, false, err
	}
	n, err := renewLeaseScript.Run(ctx, m.client, []string{m.holdKey(resource)}, leaseValue(owner, token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew: %w", err)
	}
	if n == 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (m *RedisLeases) Release(ctx context.Context, resource, owner string, token uint64) error {
	if err := checkLeaseArgs(resource, owner); err != nil {
		return err
	}
	_, err := releaseLeaseScript.Run(ctx, m.client, []string{m.holdKey(resource)}, leaseValue(owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func leaseValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
