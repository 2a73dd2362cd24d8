package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

var (
	// ErrReadOnly 文档被标记只读（损坏或超限），需要人工处理
	ErrReadOnly = errors.New("DOCUMENT_READ_ONLY")
	// ErrSlowPeer 发送队列满，断开后由客户端重连重新同步
	ErrSlowPeer = errors.New("SLOW_PEER")
	// ErrTooManyCorrupt 同一会话连续发送损坏操作超过阈值
	ErrTooManyCorrupt = fmt.Errorf("%w: threshold exceeded", crdt.ErrCorruptOperation)
	ErrSessionClosed  = errors.New("session closed")
)

type Config struct {
	SendQueue        int           `mapstructure:"send_queue"`
	CorruptThreshold int           `mapstructure:"corrupt_threshold"`
	UpdateRate       float64       `mapstructure:"update_rate"`
	UpdateBurst      int           `mapstructure:"update_burst"`
	AwarenessTTL     time.Duration `mapstructure:"awareness_ttl"`
	MaxAwareness     int           `mapstructure:"max_awareness_bytes"`
	MaxLoads         int           `mapstructure:"max_concurrent_loads"`
	LoadTimeout      time.Duration `mapstructure:"load_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SendQueue:        256,
		CorruptThreshold: 5,
		UpdateRate:       200,
		UpdateBurst:      400,
		AwarenessTTL:     30 * time.Second,
		MaxAwareness:     64 << 10,
		MaxLoads:         8,
		LoadTimeout:      30 * time.Second,
		PublishTimeout:   20 * time.Millisecond,
	}
}

type pauseState struct {
	count   int
	resumed chan struct{}
}

// Manager 持有每个文档唯一的内存副本（房间），按文档 id 索引。
// 锁顺序：room.mu → Manager.mu → Session.mu
type Manager struct {
	store     *store.Store
	compactor *compaction.Service
	presence  cache.PresenceCache
	publisher Publisher
	cfg       Config

	mu     sync.Mutex
	rooms  map[string]*room
	paused map[string]*pauseState

	group singleflight.Group
	loads *Semaphore
}

// NewManager compactor 可以为 nil（只读工具）；非 nil 时注册为其 Gate 和快照监听者
func NewManager(st *store.Store, compactor *compaction.Service, presence cache.PresenceCache, publisher Publisher, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.CorruptThreshold <= 0 {
		cfg.CorruptThreshold = def.CorruptThreshold
	}
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = def.UpdateRate
	}
	if cfg.UpdateBurst <= 0 {
		cfg.UpdateBurst = def.UpdateBurst
	}
	if cfg.AwarenessTTL <= 0 {
		cfg.AwarenessTTL = def.AwarenessTTL
	}
	if cfg.MaxAwareness <= 0 {
		cfg.MaxAwareness = def.MaxAwareness
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	m := &Manager{
		store:     st,
		compactor: compactor,
		presence:  presence,
		publisher: publisher,
		cfg:       cfg,
		rooms:     make(map[string]*room),
		paused:    make(map[string]*pauseState),
		loads:     NewSemaphore(cfg.MaxLoads),
	}
	if compactor != nil {
		compactor.SetGate(m)
		compactor.OnSnapshot(m.onSnapshot)
	}
	return m
}

// RoomState 供健康检查和测试观察状态机
func (m *Manager) RoomState(docID string) RoomState {
	m.mu.Lock()
	r := m.rooms[docID]
	m.mu.Unlock()
	if r == nil {
		return RoomEmpty
	}
	return r.State()
}

// ReplicaCount 当前连接到该文档的会话数
func (m *Manager) ReplicaCount(docID string) int {
	m.mu.Lock()
	r := m.rooms[docID]
	m.mu.Unlock()
	if r == nil || r.State() != RoomActive {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// acquire 返回 ACTIVE 的房间并持有一个引用，用完必须 release。
// 同一文档的并发加载通过 singleflight 合并为一次。
func (m *Manager) acquire(ctx context.Context, docID string) (*room, error) {
	for {
		m.mu.Lock()
		if r, ok := m.rooms[docID]; ok && r.State() == RoomActive {
			r.refs++
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()

		ch := m.group.DoChan(docID, func() (any, error) { return m.load(ctx, docID) })
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		r := res.Val.(*room)
		m.mu.Lock()
		if m.rooms[docID] == r {
			r.refs++
			m.mu.Unlock()
			return r, nil
		}
		// 加载完成后又被回收了，重来
		m.mu.Unlock()
	}
}

func (m *Manager) load(ctx context.Context, docID string) (*room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[docID]; ok && r.State() == RoomActive {
		m.mu.Unlock()
		return r, nil
	}
	r := newRoom(docID)
	m.rooms[docID] = r
	m.mu.Unlock()

	// 加载结果被所有等待者共享，不跟随第一个调用方取消
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LoadTimeout)
	defer cancel()

	fail := func(err error) (*room, error) {
		m.mu.Lock()
		if m.rooms[docID] == r {
			delete(m.rooms, docID)
		}
		m.mu.Unlock()
		r.state.Store(int32(RoomEmpty))
		zap.S().Warnw("load document failed", "documentId", docID, "error", err)
		return nil, err
	}

	if err := m.loads.Acquire(lctx); err != nil {
		return fail(err)
	}
	defer m.loads.Release()

	start := time.Now()
	rec, err := m.store.Reconstruct(lctx, docID, 0)
	if err != nil {
		return fail(err)
	}
	reason, err := m.store.ReadOnlyReason(lctx, docID)
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	r.doc = rec.Doc
	r.readOnly = reason
	r.mu.Unlock()
	r.snapshotSeq.Store(rec.SnapshotSeq)
	r.state.Store(int32(RoomActive))
	metrics.RoomsActive.Inc()

	zap.S().Infow("document loaded",
		"documentId", docID,
		"snapshotSeq", rec.SnapshotSeq,
		"updates", rec.Updates,
		"fallback", rec.FromFallback,
		"readOnly", reason,
		"elapsed", time.Since(start),
	)
	return r, nil
}

// release 引用归零、没有会话也没有排队编辑时回收房间（回到 EMPTY）
func (m *Manager) release(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.refs--
	m.evictLocked(r)
}

func (m *Manager) maybeEvict(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(r)
}

func (m *Manager) evictLocked(r *room) {
	if r.refs > 0 || r.queuedN.Load() > 0 || m.rooms[r.id] != r {
		return
	}
	delete(m.rooms, r.id)
	r.state.Store(int32(RoomEmpty))
	metrics.RoomsActive.Dec()
	zap.S().Debugw("room evicted", "documentId", r.id)
}

func (m *Manager) lookup(docID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[docID]
	if r == nil || r.State() != RoomActive {
		return nil
	}
	return r
}

// Pause 实现 compaction.Gate：之后到达的编辑排队，不写库
func (m *Manager) Pause(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.paused[docID]
	if p == nil {
		p = &pauseState{resumed: make(chan struct{})}
		m.paused[docID] = p
	}
	p.count++
}

// Resume 实现 compaction.Gate：按到达顺序回放排队的编辑
func (m *Manager) Resume(docID string) {
	m.mu.Lock()
	p := m.paused[docID]
	if p == nil {
		m.mu.Unlock()
		return
	}
	p.count--
	if p.count > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.paused, docID)
	close(p.resumed)
	r := m.rooms[docID]
	m.mu.Unlock()

	if r == nil || r.State() != RoomActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
	defer cancel()
	r.mu.Lock()
	drained := m.drainLocked(ctx, r)
	m.unlock(r)
	m.maybeEvict(r)
	if drained > 0 {
		// 这里仍在压缩流程的收尾阶段，只能异步触发
		m.checkCompaction(ctx, docID, false)
	}
}

// Freeze 实现 compaction.Gate：数据库已标记只读，同步到内存房间
func (m *Manager) Freeze(docID, reason string) {
	r := m.lookup(docID)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.readOnly = reason
	r.mu.Unlock()
}

func (m *Manager) isPaused(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[docID] != nil
}

func (m *Manager) waitResumed(ctx context.Context, docID string) error {
	m.mu.Lock()
	p := m.paused[docID]
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onSnapshot 新周期开始，之后的 update 挂到新的 snapshot_seq 下
func (m *Manager) onSnapshot(_ context.Context, evt compaction.Event) {
	if r := m.lookup(evt.DocumentID); r != nil {
		for {
			cur := r.snapshotSeq.Load()
			if cur >= evt.SnapshotSeq || r.snapshotSeq.CompareAndSwap(cur, evt.SnapshotSeq) {
				break
			}
		}
	}
	m.publish(DocEvent{
		EventType:      EventSnapshotWritten,
		DocID:          evt.DocumentID,
		SnapshotSeq:    evt.SnapshotSeq,
		ContentVersion: evt.ContentVersion,
		Bytes:          int(evt.SizeBytes),
		OccurredAt:     evt.CreatedAt,
	})
}

func (m *Manager) publish(evt DocEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	if err := m.publisher.Enqueue(ctx, evt); err != nil {
		zap.S().Debugw("event dropped", "documentId", evt.DocID, "eventType", evt.EventType, "error", err)
	}
}

// PlainText 当前正文的纯文本，供搜索等外部模块使用
func (m *Manager) PlainText(ctx context.Context, docID string) (string, error) {
	if r := m.lookup(docID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.doc.Text(), nil
	}
	rec, err := m.store.Reconstruct(ctx, docID, 0)
	if err != nil {
		return "", err
	}
	return rec.Doc.Text(), nil
}

// StateVector 当前权威副本的状态向量
func (m *Manager) StateVector(ctx context.Context, docID string) ([]byte, error) {
	r, err := m.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateVector(), nil
}

// Close 断开所有会话，进程退出前调用
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		sessions := make([]*Session, 0, len(r.sessions))
		for s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.mu.Unlock()
		for _, s := range sessions {
			s.Close(ErrSessionClosed)
		}
	}
}

func readOnlyError(reason string) error {
	if reason == store.ErrDocumentTooLarge.Error() {
		return fmt.Errorf("%w: %w", ErrReadOnly, store.ErrDocumentTooLarge)
	}
	if reason == store.ErrDocumentUnrecoverable.Error() {
		return fmt.Errorf("%w: %w", ErrReadOnly, store.ErrDocumentUnrecoverable)
	}
	return fmt.Errorf("%w: %s", ErrReadOnly, reason)
}

// ErrorCode 错误对应的线上错误码，直接展示给用户
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrDocumentTooLarge):
		return store.ErrDocumentTooLarge.Error()
	case errors.Is(err, store.ErrDocumentUnrecoverable):
		return store.ErrDocumentUnrecoverable.Error()
	case errors.Is(err, ErrReadOnly):
		return ErrReadOnly.Error()
	case errors.Is(err, crdt.ErrCorruptOperation), errors.Is(err, ErrMalformedMessage):
		return crdt.ErrCorruptOperation.Error()
	case errors.Is(err, access.ErrForbidden):
		return access.ErrForbidden.Error()
	case errors.Is(err, access.ErrUnauthorized):
		return access.ErrUnauthorized.Error()
	case errors.Is(err, compaction.ErrCompactionLockTimeout):
		return compaction.ErrCompactionLockTimeout.Error()
	case errors.Is(err, ErrSlowPeer):
		return ErrSlowPeer.Error()
	}
	return "INTERNAL"
}
