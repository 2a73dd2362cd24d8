package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockLost        = errors.New("lock lost")
)

// Lease 是一次成功加锁的凭证
type Lease interface {
	// Check 锁仍由本持有者持有且未过期时返回 nil，否则返回 ErrLockLost
	Check(ctx context.Context) error
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire 非阻塞；锁被占用时返回 ErrLockNotAcquired
	Acquire(ctx context.Context, docID string, ttl time.Duration) (Lease, error)
}

type redisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) Locker {
	return &redisLocker{rdb: rdb}
}

// compare-and-delete，只释放自己的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compare-and-check，返回剩余毫秒数，不是自己的锁返回 -1
var checkScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PTTL", KEYS[1])
end
return -1
`)

func (l *redisLocker) Acquire(ctx context.Context, docID string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(docID), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &redisLease{rdb: l.rdb, key: lockKey(docID), token: token, deadline: time.Now().Add(ttl)}, nil
}

type redisLease struct {
	rdb      redis.UniversalClient
	key      string
	token    string
	deadline time.Time
}

func (l *redisLease) Check(ctx context.Context) error {
	// 本地时钟先判断一次，省一次往返
	if !time.Now().Before(l.deadline) {
		return ErrLockLost
	}
	ms, err := checkScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if ms <= 0 {
		return ErrLockLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// memoryLocker 单进程时的文档锁，语义与 redis 实现相同（带 TTL）
type memoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	owner    *memoryLocker
	docID    string
	token    string
	deadline time.Time
}

func NewMemoryLocker() Locker {
	return &memoryLocker{held: make(map[string]memoryLease), clock: time.Now}
}

// NewMemoryLockerWithClock 测试用
func NewMemoryLockerWithClock(clock func() time.Time) Locker {
	return &memoryLocker{held: make(map[string]memoryLease), clock: clock}
}

func (m *memoryLocker) Acquire(_ context.Context, docID string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if cur, ok := m.held[docID]; ok && now.Before(cur.deadline) {
		return nil, ErrLockNotAcquired
	}
	lease := memoryLease{owner: m, docID: docID, token: uuid.NewString(), deadline: now.Add(ttl)}
	m.held[docID] = lease
	return &lease, nil
}

func (l *memoryLease) Check(context.Context) error {
	m := l.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[l.docID]
	if !ok || cur.token != l.token || !m.clock().Before(cur.deadline) {
		return ErrLockLost
	}
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	m := l.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[l.docID]; ok && cur.token == l.token {
		delete(m.held, l.docID)
	}
	return nil
}
