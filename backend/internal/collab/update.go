package collab

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

// submit 更新路径：校验 → 权限 → 只读 → （压缩中则排队）→ 持久化 → 应用 → 广播 → 检查压缩
func (m *Manager) submit(ctx context.Context, s *Session, payload []byte) error {
	r := s.room
	r.mu.Lock()
	covered, err := r.doc.Check(payload)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if covered {
		// 重复或空操作，什么都不做
		r.mu.Unlock()
		return nil
	}
	if !s.Principal.Role.CanEdit() {
		r.mu.Unlock()
		return access.ErrForbidden
	}
	if r.readOnly != "" {
		reason := r.readOnly
		r.mu.Unlock()
		return readOnlyError(reason)
	}
	if m.isPaused(r.id) {
		r.enqueueLocked(queuedUpdate{
			from:       s,
			authorID:   s.Principal.ID,
			authorKind: s.Principal.Kind,
			bytes:      append([]byte(nil), payload...),
		})
		r.mu.Unlock()
		return nil
	}
	m.drainLocked(ctx, r)
	rec, err := m.commitLocked(ctx, r, payload, s.Principal.ID, s.Principal.Kind, s)
	m.unlock(r)
	if err != nil {
		return err
	}
	if rec != nil {
		m.checkCompaction(ctx, r.id, true)
	}
	return nil
}

// commitLocked 先落库再应用和广播。返回 nil 记录表示 update 没有新内容。
func (m *Manager) commitLocked(ctx context.Context, r *room, payload []byte, authorID string, kind store.AuthorKind, from *Session) (*store.UpdateRecord, error) {
	covered, err := r.doc.Check(payload)
	if err != nil {
		return nil, err
	}
	if covered {
		return nil, nil
	}
	rec, err := m.persist(ctx, r, payload, authorID, kind)
	if err != nil {
		return nil, err
	}
	if _, err := r.doc.ApplyUpdate(payload); err != nil {
		// Check 已通过，走到这里说明内存副本和库不一致
		zap.S().Errorw("persisted update failed to apply",
			"documentId", r.id, "snapshotSeq", rec.SnapshotSeq, "sequenceNumber", rec.SequenceNumber, "error", err)
		return nil, err
	}
	if kind == "" {
		kind = store.AuthorHuman
	}
	metrics.UpdatesApplied.WithLabelValues(string(kind)).Inc()
	r.broadcastLocked(updateFrame(payload), from)
	r.outbox = append(r.outbox, DocEvent{
		EventType:      EventUpdateApplied,
		DocID:          r.id,
		AuthorID:       authorID,
		AuthorKind:     string(kind),
		SnapshotSeq:    rec.SnapshotSeq,
		SequenceNumber: rec.SequenceNumber,
		Bytes:          len(payload),
		OccurredAt:     rec.CreatedAt,
	})
	return rec, nil
}

// persist 周期过期（刚压缩过）时刷新 snapshot_seq 再试一次
func (m *Manager) persist(ctx context.Context, r *room, payload []byte, authorID string, kind store.AuthorKind) (*store.UpdateRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := m.store.AppendUpdate(ctx, store.AppendRequest{
			DocumentID:  r.id,
			SnapshotSeq: r.snapshotSeq.Load(),
			Bytes:       payload,
			AuthorID:    authorID,
			AuthorKind:  kind,
		})
		if err == nil {
			return rec, nil
		}
		if attempt > 0 || !errors.Is(err, store.ErrStaleSnapshotCycle) {
			return nil, err
		}
		cs, err := m.store.CompactionState(ctx, r.id)
		if err != nil {
			return nil, err
		}
		r.snapshotSeq.Store(cs.LastSnapshotSeq)
	}
}

// drainLocked 回放压缩期间排队的编辑，返回成功提交的条数
func (m *Manager) drainLocked(ctx context.Context, r *room) int {
	n := 0
	for {
		q, ok := r.dequeueLocked()
		if !ok {
			return n
		}
		if r.readOnly != "" {
			q.from.sendError(readOnlyError(r.readOnly))
			continue
		}
		rec, err := m.commitLocked(ctx, r, q.bytes, q.authorID, q.authorKind, q.from)
		if err != nil {
			zap.S().Warnw("queued update dropped", "documentId", r.id, "sessionId", q.from.ID, "error", err)
			q.from.sendError(err)
			continue
		}
		if rec != nil {
			n++
		}
	}
}

// checkCompaction 必须在释放 room.mu 之后调用。inline 为 false 时只入队。
func (m *Manager) checkCompaction(ctx context.Context, docID string, inline bool) {
	if m.compactor == nil {
		return
	}
	cs, err := m.store.CompactionState(ctx, docID)
	if err != nil {
		zap.S().Warnw("read compaction state failed", "documentId", docID, "error", err)
		return
	}
	switch m.compactor.Decide(cs.UpdatesSinceSnapshot, cs.BytesSinceSnapshot, cs.LastCompactedAt) {
	case compaction.DecisionSchedule:
		m.compactor.Schedule(docID)
	case compaction.DecisionInline:
		if !inline {
			m.compactor.Schedule(docID)
			return
		}
		if _, err := m.compactor.Compact(ctx, docID); err != nil {
			if errors.Is(err, compaction.ErrBusy) {
				// 别人正在压缩
				return
			}
			zap.S().Warnw("inline compaction failed", "documentId", docID, "error", err)
		}
	}
}

// EditFunc 在房间锁内拿到权威副本，只能读；返回要提交的 update，nil 表示不提交
type EditFunc func(doc *crdt.Doc) ([]byte, error)

// Edit 服务端发起的编辑（补丁、恢复），与人工编辑走同一条持久化/广播路径。
// 压缩进行中时等待恢复。返回提交后的状态向量。
func (m *Manager) Edit(ctx context.Context, docID string, by access.Principal, fn EditFunc) ([]byte, error) {
	if !by.Role.CanEdit() {
		return nil, access.ErrForbidden
	}
	r, err := m.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer m.release(r)

	for {
		r.mu.Lock()
		if !m.isPaused(docID) {
			break
		}
		r.mu.Unlock()
		if err := m.waitResumed(ctx, docID); err != nil {
			return nil, err
		}
	}

	var (
		sv  []byte
		rec *store.UpdateRecord
	)
	err = func() error {
		defer m.unlock(r)
		if r.readOnly != "" {
			return readOnlyError(r.readOnly)
		}
		m.drainLocked(ctx, r)
		u, err := fn(r.doc)
		if err != nil {
			return err
		}
		if u != nil {
			if rec, err = m.commitLocked(ctx, r, u, by.ID, by.Kind, nil); err != nil {
				return err
			}
		}
		sv = r.doc.EncodeStateVector()
		return nil
	}()
	if err != nil {
		return nil, err
	}
	if rec != nil {
		m.checkCompaction(ctx, docID, true)
	}
	return sv, nil
}

// CommitAgentUpdate 提交外部生成的 update，作者类型为 agent
func (m *Manager) CommitAgentUpdate(ctx context.Context, docID string, by access.Principal, update []byte) ([]byte, error) {
	by.Kind = store.AuthorAgent
	return m.Edit(ctx, docID, by, func(*crdt.Doc) ([]byte, error) { return update, nil })
}
