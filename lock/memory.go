package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker for single-instance deployments and
// tests. It upholds the same semantics as the Redis locker, including TTL
// expiry, but obviously cannot fence a second process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryEntry

	now func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryEntry),
		now:    time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: empty key")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: non-positive ttl %s", ttl)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.expires.After(now) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (le *memoryLease) Key() string { return le.key }

func (le *memoryLease) Release(ctx context.Context) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[le.key]
	if !ok || cur.token != le.token || !cur.expires.After(l.now()) {
		return ErrNotHeld
	}
	delete(l.leases, le.key)
	return nil
}
