package blame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	CacheSize int `mapstructure:"cache_size"`
	// MaxBackfill 读取时缺少前序版本的归属，最多向前补算多少个版本
	MaxBackfill int `mapstructure:"max_backfill"`
}

func DefaultConfig() Config {
	return Config{Workers: 1, QueueSize: 256, CacheSize: 1024, MaxBackfill: 8}
}

type cacheKey struct {
	docID string
	cv    uint64
}

// Service 快照写入后异步计算行级归属，结果按 (document, content_version) 缓存，算过就不再重算
type Service struct {
	store *store.Store
	cfg   Config
	cache *lru.Cache[cacheKey, *Blame]
	group singleflight.Group
	queue chan compaction.Event
}

func NewService(st *store.Store, cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MaxBackfill < 0 {
		cfg.MaxBackfill = 0
	}
	c, err := lru.New[cacheKey, *Blame](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{store: st, cfg: cfg, cache: c, queue: make(chan compaction.Event, cfg.QueueSize)}, nil
}

// OnSnapshot 注册为压缩服务的监听者。不阻塞压缩流程，队列满时丢弃，读取时再补算。
func (s *Service) OnSnapshot(_ context.Context, evt compaction.Event) {
	select {
	case s.queue <- evt:
	default:
		metrics.BlameComputed.WithLabelValues("dropped").Inc()
		zap.S().Warnw("blame queue full, computing on read", "documentId", evt.DocumentID, "contentVersion", evt.ContentVersion)
	}
}

// Start 启动 worker，ctx 取消后退出
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		go func(id int) {
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-s.queue:
					if _, err := s.compute(ctx, evt.DocumentID, evt.ContentVersion, evt.Superseded, s.cfg.MaxBackfill); err != nil {
						zap.S().Warnw("blame computation failed",
							"worker", id, "documentId", evt.DocumentID, "contentVersion", evt.ContentVersion, "error", err)
					}
				}
			}
		}(i)
	}
}

// Get 先查内存 LRU，再查库，都没有时现算。现算时没有区间内的 update 记录，变化的行为低置信度。
func (s *Service) Get(ctx context.Context, docID string, contentVersion uint64) (*Blame, error) {
	return s.get(ctx, docID, contentVersion, s.cfg.MaxBackfill)
}

func (s *Service) get(ctx context.Context, docID string, cv uint64, depth int) (*Blame, error) {
	if b, ok, err := s.cached(ctx, docID, cv); err != nil || ok {
		return b, err
	}
	return s.compute(ctx, docID, cv, nil, depth)
}

func (s *Service) cached(ctx context.Context, docID string, cv uint64) (*Blame, bool, error) {
	key := cacheKey{docID: docID, cv: cv}
	if b, ok := s.cache.Get(key); ok {
		return b, true, nil
	}
	row, err := s.store.LoadBlame(ctx, docID, cv)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b := &Blame{DocumentID: docID, ContentVersion: cv}
	if err := json.Unmarshal(row.Lines, &b.Lines); err != nil {
		return nil, false, fmt.Errorf("decode blame %s@%d: %w", docID, cv, err)
	}
	s.cache.Add(key, b)
	return b, true, nil
}

func (s *Service) compute(ctx context.Context, docID string, cv uint64, records []store.UpdateRecord, depth int) (*Blame, error) {
	v, err, _ := s.group.Do(docID+"@"+strconv.FormatUint(cv, 10), func() (any, error) {
		if b, ok, err := s.cached(ctx, docID, cv); err != nil || ok {
			return b, err
		}
		b, err := s.build(ctx, docID, cv, records, depth)
		if err != nil {
			metrics.BlameComputed.WithLabelValues("error").Inc()
			return nil, err
		}
		raw, err := json.Marshal(b.Lines)
		if err != nil {
			return nil, err
		}
		if err := s.store.SaveBlame(ctx, &store.BlameEntry{DocumentID: docID, ContentVersion: cv, Lines: raw}); err != nil {
			return nil, err
		}
		s.cache.Add(cacheKey{docID: docID, cv: cv}, b)
		metrics.BlameComputed.WithLabelValues("ok").Inc()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Blame), nil
}

func (s *Service) build(ctx context.Context, docID string, cv uint64, records []store.UpdateRecord, depth int) (*Blame, error) {
	ver, snap, err := s.store.LoadVersion(ctx, docID, cv)
	if err != nil {
		return nil, err
	}
	cur, err := crdt.FromState(0, snap.State)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d: %v", store.ErrCorruptSnapshot, cv, err)
	}

	var (
		prevText  string
		prevLines []Line
	)
	if cv > 1 {
		prevText, prevLines, err = s.previous(ctx, docID, cv-1, depth)
		if err != nil {
			return nil, err
		}
	}
	lines := attribute(prevText, prevLines, cur, records, fallback{authorID: ver.CreatedBy, at: ver.CreatedAt})
	zap.S().Debugw("blame computed", "documentId", docID, "contentVersion", cv, "lines", len(lines), "records", len(records))
	return &Blame{DocumentID: docID, ContentVersion: cv, Lines: lines}, nil
}

// previous 上一版本的正文和归属。快照已被清理时当作空文档；超过补算深度时归属留空。
func (s *Service) previous(ctx context.Context, docID string, cv uint64, depth int) (string, []Line, error) {
	_, snap, err := s.store.LoadVersion(ctx, docID, cv)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	doc, err := crdt.FromState(0, snap.State)
	if err != nil {
		return "", nil, fmt.Errorf("%w: version %d: %v", store.ErrCorruptSnapshot, cv, err)
	}
	b, ok, err := s.cached(ctx, docID, cv)
	if err != nil {
		return "", nil, err
	}
	if !ok && depth > 0 {
		if b, err = s.get(ctx, docID, cv, depth-1); err != nil {
			return "", nil, err
		}
	}
	if b == nil {
		return doc.Text(), nil, nil
	}
	return doc.Text(), b.Lines, nil
}
