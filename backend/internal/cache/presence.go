package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 保存房间在线成员和每个会话最近一次的 awareness blob。
// awareness 是临时数据，不进数据库，过期即丢。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, principalID, name string, ttl time.Duration) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetAwareness(ctx context.Context, docID, sessionID string, blob []byte, ttl time.Duration) error
	GetAwareness(ctx context.Context, docID string) (map[string][]byte, error)
	RemoveSession(ctx context.Context, docID, sessionID string) error
}

type PresenceMember struct {
	PrincipalID string
	Name        string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员：KEYS[1] 为 ZSet（score=expireAt），KEYS[2] 为对应的 Hash
var expireScript = redis.NewScript(`
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, docID, principalID, name string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: principalID})
	tx.HSet(ctx, namesKey(docID), principalID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetAwareness(ctx context.Context, docID, sessionID string, blob []byte, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, sessionsKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, awarenessKey(docID), sessionID, blob)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveSession(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, sessionsKey(docID), sessionID)
	tx.HDel(ctx, awarenessKey(docID), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) expire(ctx context.Context, zset, hash string) (int64, error) {
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{zset, hash}, now).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return now, nil
}

func (p *redisPresence) GetAwareness(ctx context.Context, docID string) (map[string][]byte, error) {
	if _, err := p.expire(ctx, sessionsKey(docID), awarenessKey(docID)); err != nil {
		return nil, err
	}
	raw, err := p.rdb.HGetAll(ctx, awarenessKey(docID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now, err := p.expire(ctx, roomKey(docID), namesKey(docID))
	if err != nil {
		return nil, err
	}
	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{PrincipalID: aliveIDs[i], Name: name})
	}
	return members, nil
}

// memoryPresence 单进程部署（未配置 redis）时使用
type memoryPresence struct {
	mu        sync.Mutex
	members   map[string]map[string]memberEntry
	awareness map[string]map[string]awarenessEntry
	now       func() time.Time
}

type memberEntry struct {
	name     string
	expireAt time.Time
}

type awarenessEntry struct {
	blob     []byte
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{
		members:   make(map[string]map[string]memberEntry),
		awareness: make(map[string]map[string]awarenessEntry),
		now:       time.Now,
	}
}

func (m *memoryPresence) AddMember(_ context.Context, docID, principalID, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.members[docID]
	if room == nil {
		room = make(map[string]memberEntry)
		m.members[docID] = room
	}
	room[principalID] = memberEntry{name: name, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryPresence) GetAliveMembers(_ context.Context, docID string) ([]PresenceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []PresenceMember
	for id, e := range m.members[docID] {
		if !e.expireAt.After(now) {
			delete(m.members[docID], id)
			continue
		}
		out = append(out, PresenceMember{PrincipalID: id, Name: e.name})
	}
	return out, nil
}

func (m *memoryPresence) SetAwareness(_ context.Context, docID, sessionID string, blob []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.awareness[docID]
	if room == nil {
		room = make(map[string]awarenessEntry)
		m.awareness[docID] = room
	}
	room[sessionID] = awarenessEntry{blob: append([]byte(nil), blob...), expireAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryPresence) GetAwareness(_ context.Context, docID string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string][]byte)
	for id, e := range m.awareness[docID] {
		if !e.expireAt.After(now) {
			delete(m.awareness[docID], id)
			continue
		}
		out[id] = e.blob
	}
	return out, nil
}

func (m *memoryPresence) RemoveSession(_ context.Context, docID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.awareness[docID], sessionID)
	return nil
}
