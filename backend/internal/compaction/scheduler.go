package compaction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/store"
)

type Decision int

const (
	DecisionNone Decision = iota
	// DecisionSchedule 交给后台 worker
	DecisionSchedule
	// DecisionInline 周期过长，由写入方在释放房间锁后立即压缩
	DecisionInline
)

// Decide 根据计数器判断是否需要压缩。24h 触发只针对有新写入的文档。
func (s *Service) Decide(updates, bytes uint64, lastCompacted time.Time) Decision {
	c := s.cfg
	switch {
	case c.ForceUpdates > 0 && updates >= c.ForceUpdates:
		return DecisionInline
	case c.MaxUpdates > 0 && updates >= c.MaxUpdates:
		return DecisionSchedule
	case c.MaxBytes > 0 && bytes >= c.MaxBytes:
		return DecisionSchedule
	case c.MaxAge > 0 && updates > 0 && !lastCompacted.IsZero() && s.now().Sub(lastCompacted) >= c.MaxAge:
		return DecisionSchedule
	}
	return DecisionNone
}

// CompactIfDue 读取当前计数器，达到阈值才压缩
func (s *Service) CompactIfDue(ctx context.Context, docID string) (*Event, error) {
	st, err := s.store.CompactionState(ctx, docID)
	if err != nil {
		return nil, err
	}
	if s.Decide(st.UpdatesSinceSnapshot, st.BytesSinceSnapshot, st.LastCompactedAt) == DecisionNone {
		return nil, nil
	}
	return s.Compact(ctx, docID)
}

// Schedule 非阻塞入队，同一文档在队列中只保留一份
func (s *Service) Schedule(docID string) bool {
	s.pmu.Lock()
	if _, ok := s.pending[docID]; ok {
		s.pmu.Unlock()
		return false
	}
	s.pending[docID] = struct{}{}
	s.pmu.Unlock()

	select {
	case s.queue <- docID:
		return true
	default:
		s.pmu.Lock()
		delete(s.pending, docID)
		s.pmu.Unlock()
		zap.S().Warnw("compaction queue full, will retry on next trigger", "documentId", docID)
		return false
	}
}

// Start 启动 worker 和周期扫描，ctx 取消后退出
func (s *Service) Start(ctx context.Context) {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go s.workerLoop(ctx, i)
	}
	go s.Run(ctx)
}

func (s *Service) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case docID := <-s.queue:
			s.pmu.Lock()
			delete(s.pending, docID)
			s.pmu.Unlock()
			if _, err := s.CompactIfDue(ctx, docID); err != nil {
				s.logFailure(docID, workerID, err)
			}
		}
	}
}

func (s *Service) logFailure(docID string, workerID int, err error) {
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, store.ErrStaleSnapshotCycle):
		// 下一次触发时重试
		zap.S().Infow("compaction skipped", "documentId", docID, "worker", workerID, "reason", err)
	case errors.Is(err, ErrCompactionLockTimeout):
		zap.S().Warnw("compaction aborted, lock expired", "documentId", docID, "worker", workerID, "error", err)
	default:
		zap.S().Errorw("compaction failed", "documentId", docID, "worker", workerID, "error", err)
	}
}

// Run 周期扫描超过 MaxAge 未压缩且有新写入的文档
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) Sweep(ctx context.Context) int {
	if s.cfg.MaxAge <= 0 {
		return 0
	}
	rows, err := s.store.ListCompactionStates(ctx, s.now().Add(-s.cfg.MaxAge), 1)
	if err != nil {
		zap.S().Warnw("compaction sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, r := range rows {
		if s.Schedule(r.DocumentID) {
			n++
		}
	}
	return n
}
