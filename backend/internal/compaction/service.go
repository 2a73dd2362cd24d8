package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

var (
	ErrCompactionLockTimeout = errors.New("COMPACTION_LOCK_TIMEOUT")
	// ErrBusy 文档锁被其他进程/流程持有
	ErrBusy = errors.New("compaction already in progress")
)

type Config struct {
	MaxUpdates    uint64        `mapstructure:"max_updates"`
	MaxBytes      uint64        `mapstructure:"max_bytes"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	ForceUpdates  uint64        `mapstructure:"force_updates"`
	MaxStateBytes int64         `mapstructure:"max_state_bytes"`
	Retention     int           `mapstructure:"retention"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
}

func DefaultConfig() Config {
	return Config{
		MaxUpdates:    500,
		MaxBytes:      5 << 20,
		MaxAge:        24 * time.Hour,
		ForceUpdates:  1000,
		MaxStateBytes: 100 << 20,
		Retention:     100,
		LockTTL:       10 * time.Second,
		LockWait:      5 * time.Second,
		SweepInterval: time.Minute,
		QueueSize:     256,
		Workers:       2,
	}
}

// Gate 由会话管理器实现：Pause 后该文档的新编辑排队，Resume 时立即回放；
// Freeze 之后拒绝一切写入
type Gate interface {
	Pause(docID string)
	Resume(docID string)
	Freeze(docID, reason string)
}

type noopGate struct{}

func (noopGate) Pause(string)          {}
func (noopGate) Resume(string)         {}
func (noopGate) Freeze(string, string) {}

// Event 快照写入成功后通知监听者。Superseded 是本次被折叠删除的 update。
type Event struct {
	DocumentID     string
	SnapshotSeq    uint64
	ContentVersion uint64
	Trigger        store.VersionTrigger
	SizeBytes      int64
	Superseded     []store.UpdateRecord
	CreatedAt      time.Time
}

type Listener func(ctx context.Context, evt Event)

type SnapshotOptions struct {
	Trigger   store.VersionTrigger
	Label     string
	Hidden    bool
	Pinned    bool
	CreatedBy string
}

type Service struct {
	store  *store.Store
	locker cache.Locker
	cfg    Config

	mu        sync.RWMutex
	gate      Gate
	listeners []Listener

	queue   chan string
	pending map[string]struct{}
	pmu     sync.Mutex
	now     func() time.Time
}

func NewService(st *store.Store, locker cache.Locker, cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Service{
		store:   st,
		locker:  locker,
		cfg:     cfg,
		gate:    noopGate{},
		queue:   make(chan string, cfg.QueueSize),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
}

func (s *Service) Config() Config { return s.cfg }

// SetGate 在会话管理器创建后由 main 注入
func (s *Service) SetGate(g Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g == nil {
		g = noopGate{}
	}
	s.gate = g
}

func (s *Service) OnSnapshot(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) currentGate() Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

// Locked 持有文档锁期间的句柄
type Locked struct {
	svc   *Service
	docID string
	lease cache.Lease
}

// Check 锁已丢失时返回 ErrCompactionLockTimeout
func (l *Locked) Check(ctx context.Context) error {
	if err := l.lease.Check(ctx); err != nil {
		return fmt.Errorf("%w: doc=%s: %v", ErrCompactionLockTimeout, l.docID, err)
	}
	return nil
}

// WithDocumentLock 加锁并暂停该文档的编辑，fn 返回后恢复并回放排队的编辑。
// fn 的 ctx 在锁 TTL 到期时取消。
func (s *Service) WithDocumentLock(ctx context.Context, docID string, fn func(ctx context.Context, l *Locked) error) error {
	lease, err := s.acquire(ctx, docID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			zap.S().Warnw("release compaction lock failed", "documentId", docID, "error", err)
		}
	}()

	gate := s.currentGate()
	gate.Pause(docID)
	defer gate.Resume(docID)

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
	defer cancel()
	return fn(lctx, &Locked{svc: s, docID: docID, lease: lease})
}

// acquire 在 LockWait 内轮询加锁
func (s *Service) acquire(ctx context.Context, docID string) (cache.Lease, error) {
	deadline := s.now().Add(s.cfg.LockWait)
	backoff := 10 * time.Millisecond
	for {
		lease, err := s.locker.Acquire(ctx, docID, s.cfg.LockTTL)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, cache.ErrLockNotAcquired) {
			return nil, err
		}
		if !s.now().Add(backoff).Before(deadline) {
			return nil, fmt.Errorf("%w: doc=%s", ErrBusy, docID)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Snapshot 在已持有的锁内写一个快照
func (l *Locked) Snapshot(ctx context.Context, opt SnapshotOptions) (*Event, error) {
	return l.svc.snapshotLocked(ctx, l, opt)
}

// Compact 自动压缩：加锁、物化、写新快照、删除上一周期的 update
func (s *Service) Compact(ctx context.Context, docID string) (*Event, error) {
	return s.Snapshot(ctx, docID, SnapshotOptions{Trigger: store.TriggerAuto})
}

// Snapshot 手动/命名快照，默认固定（不参与归档）
func (s *Service) Snapshot(ctx context.Context, docID string, opt SnapshotOptions) (*Event, error) {
	var evt *Event
	err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, l *Locked) error {
		var err error
		evt, err = l.Snapshot(ctx, opt)
		return err
	})
	if err != nil {
		metrics.Compactions.WithLabelValues(string(triggerOf(opt)), resultLabel(err)).Inc()
	}
	return evt, err
}

func triggerOf(opt SnapshotOptions) store.VersionTrigger {
	if opt.Trigger == "" {
		return store.TriggerAuto
	}
	return opt.Trigger
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrCompactionLockTimeout):
		return "lock_timeout"
	case errors.Is(err, store.ErrDocumentTooLarge):
		return "too_large"
	default:
		return "error"
	}
}

func (s *Service) snapshotLocked(ctx context.Context, l *Locked, opt SnapshotOptions) (*Event, error) {
	start := s.now()
	docID := l.docID
	opt.Trigger = triggerOf(opt)

	rec, err := s.store.Reconstruct(ctx, docID, 0)
	if err != nil {
		return nil, err
	}
	state, err := rec.Doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxStateBytes > 0 && int64(len(state)) > s.cfg.MaxStateBytes {
		zap.S().Errorw("document exceeds size limit, rejecting further writes",
			"documentId", docID, "stateBytes", len(state), "limit", s.cfg.MaxStateBytes)
		if err := s.store.MarkReadOnly(ctx, docID, store.ErrDocumentTooLarge.Error()); err != nil {
			zap.S().Errorw("mark read-only failed", "documentId", docID, "error", err)
		}
		s.currentGate().Freeze(docID, store.ErrDocumentTooLarge.Error())
		return nil, fmt.Errorf("%w: doc=%s size=%d", store.ErrDocumentTooLarge, docID, len(state))
	}

	res, err := s.store.WriteSnapshot(ctx, store.WriteSnapshotRequest{
		DocumentID:      docID,
		State:           state,
		StateVector:     rec.Doc.EncodeStateVector(),
		ExpectedSeq:     rec.SnapshotSeq,
		ExpectedUpdates: rec.Updates,
		Trigger:         opt.Trigger,
		Label:           opt.Label,
		Hidden:          opt.Hidden,
		Pinned:          opt.Pinned,
		CreatedBy:       opt.CreatedBy,
		Fence:           func() error { return l.Check(ctx) },
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: doc=%s: %v", ErrCompactionLockTimeout, docID, err)
		}
		return nil, err
	}

	if s.cfg.Retention > 0 {
		if n, err := s.store.ArchiveBeyondRetention(ctx, docID, s.cfg.Retention); err != nil {
			zap.S().Warnw("archive old versions failed", "documentId", docID, "error", err)
		} else if n > 0 {
			zap.S().Infow("archived versions beyond retention", "documentId", docID, "count", n)
		}
	}

	elapsed := s.now().Sub(start)
	metrics.CompactionDuration.Observe(elapsed.Seconds())
	metrics.SnapshotBytes.WithLabelValues("raw").Observe(float64(res.SizeBytes))
	metrics.SnapshotBytes.WithLabelValues("compressed").Observe(float64(res.CompressedSize))
	metrics.Compactions.WithLabelValues(string(opt.Trigger), "ok").Inc()
	zap.S().Infow("snapshot written",
		"documentId", docID,
		"snapshotSeq", res.SnapshotSeq,
		"contentVersion", res.ContentVersion,
		"trigger", opt.Trigger,
		"folded", len(res.Superseded),
		"rawBytes", res.SizeBytes,
		"compressedBytes", res.CompressedSize,
		"elapsed", elapsed,
	)

	evt := &Event{
		DocumentID:     docID,
		SnapshotSeq:    res.SnapshotSeq,
		ContentVersion: res.ContentVersion,
		Trigger:        opt.Trigger,
		SizeBytes:      res.SizeBytes,
		Superseded:     res.Superseded,
		CreatedAt:      res.Version.CreatedAt,
	}
	s.notify(*evt)
	return evt, nil
}

func (s *Service) notify(evt Event) {
	s.mu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range ls {
		l(context.Background(), evt)
	}
}
