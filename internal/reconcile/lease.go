package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseStore provides per-store mutual exclusion for reconciliation
// runs: an explicit map from store id to run lease with expiry, not
// ambient global state, so it can be swapped for a fake in tests.
type LeaseStore interface {
	// Acquire takes the store's lease for ttl. It returns a release
	// token, or ok=false when another run already holds the lease.
	Acquire(ctx context.Context, storeID string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees the lease if token still holds it. Releasing an
	// expired or stolen lease is a no-op.
	Release(ctx context.Context, storeID, token string) error
}

// =============================================
// In-memory lease store
// =============================================

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLeaseStore implements LeaseStore with a mutex-guarded map. Used
// when Redis is not configured, and as the test fake.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLeaseStore creates a new in-memory lease store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire takes the lease unless a live one exists.
func (s *MemoryLeaseStore) Acquire(ctx context.Context, storeID string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[storeID]; ok && s.now().Before(lease.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.leases[storeID] = memoryLease{token: token, expiresAt: s.now().Add(ttl)}
	return token, true, nil
}

// Release frees the lease when the token matches.
func (s *MemoryLeaseStore) Release(ctx context.Context, storeID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[storeID]; ok && lease.token == token {
		delete(s.leases, storeID)
	}
	return nil
}

// =============================================
// Redis lease store
// =============================================

// releaseScript deletes the lease key only while the caller's token still
// owns it, so an expired lease taken over by another process is never
// released from under it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements LeaseStore on Redis with SET NX PX, giving
// mutual exclusion across multiple scheduler processes.
type RedisLeaseStore struct {
	client *redis.Client
}

// NewRedisLeaseStore creates a Redis-backed lease store.
func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func leaseKey(storeID string) string {
	return "reconcile:lease:" + storeID
}

// Acquire takes the lease via SET NX with a TTL.
func (s *RedisLeaseStore) Acquire(ctx context.Context, storeID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, leaseKey(storeID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lease when the token still owns it.
func (s *RedisLeaseStore) Release(ctx context.Context, storeID, token string) error {
	return releaseScript.Run(ctx, s.client, []string{leaseKey(storeID)}, token).Err()
}
