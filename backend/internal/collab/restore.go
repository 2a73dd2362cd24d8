package collab

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/ot/delta"
	"docSyncServer/backend/internal/store"
)

type RestoreResult struct {
	// BackupVersion 恢复前当前内容的隐藏备份
	BackupVersion uint64
	// RestoredVersion 恢复后的新当前版本
	RestoredVersion uint64
	Target          uint64
}

// RestoreVersion 恢复到历史版本：先写一个隐藏备份版本，再把目标内容作为一次普通编辑
// 合并进当前副本，最后写新版本。目标版本本身不被修改。
func (m *Manager) RestoreVersion(ctx context.Context, docID string, contentVersion uint64, by access.Principal) (*RestoreResult, error) {
	if !by.Role.CanEdit() {
		return nil, access.ErrForbidden
	}
	if m.compactor == nil {
		return nil, fmt.Errorf("restore requires the compaction service")
	}
	_, snap, err := m.store.LoadVersion(ctx, docID, contentVersion)
	if err != nil {
		return nil, err
	}
	target, err := crdt.FromState(0, snap.State)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d: %v", store.ErrCorruptSnapshot, contentVersion, err)
	}
	targetText := target.Text()

	r, err := m.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	r.mu.Lock()
	reason := r.readOnly
	r.mu.Unlock()
	if reason != "" {
		return nil, readOnlyError(reason)
	}

	res := &RestoreResult{Target: contentVersion}
	err = m.compactor.WithDocumentLock(ctx, docID, func(ctx context.Context, l *compaction.Locked) error {
		backup, err := l.Snapshot(ctx, compaction.SnapshotOptions{
			Trigger:   store.TriggerRestoreBackup,
			Label:     fmt.Sprintf("before restore of v%d", contentVersion),
			Hidden:    true,
			CreatedBy: by.ID,
		})
		if err != nil {
			return err
		}
		res.BackupVersion = backup.ContentVersion

		if err := m.applyText(ctx, r, targetText, by); err != nil {
			return err
		}

		restored, err := l.Snapshot(ctx, compaction.SnapshotOptions{
			Trigger:   store.TriggerRestore,
			Label:     fmt.Sprintf("restored from v%d", contentVersion),
			Pinned:    true,
			CreatedBy: by.ID,
		})
		if err != nil {
			return err
		}
		res.RestoredVersion = restored.ContentVersion
		return nil
	})
	if err != nil {
		zap.S().Warnw("restore failed", "documentId", docID, "target", contentVersion, "error", err)
		return nil, err
	}

	if err := m.store.AppendAudit(context.WithoutCancel(ctx), docID, by.ID, store.AuditSnapshotRestored, map[string]any{
		"targetVersion":   contentVersion,
		"backupVersion":   res.BackupVersion,
		"restoredVersion": res.RestoredVersion,
		"authorKind":      by.Kind,
	}); err != nil {
		zap.S().Errorw("append restore audit failed", "documentId", docID, "target", contentVersion, "error", err)
	}
	m.publish(DocEvent{
		EventType:      EventVersionRestored,
		DocID:          docID,
		AuthorID:       by.ID,
		AuthorKind:     string(by.Kind),
		ContentVersion: res.RestoredVersion,
		OccurredAt:     time.Now(),
	})
	zap.S().Infow("version restored",
		"documentId", docID,
		"target", contentVersion,
		"backupVersion", res.BackupVersion,
		"restoredVersion", res.RestoredVersion,
		"principalId", by.ID,
	)
	return res, nil
}

// applyText 把当前正文改成 text。压缩锁已持有、编辑已暂停，直接提交不排队。
func (m *Manager) applyText(ctx context.Context, r *room, text string, by access.Principal) error {
	r.mu.Lock()
	defer m.unlock(r)
	if r.readOnly != "" {
		return readOnlyError(r.readOnly)
	}
	d := delta.Diff(r.doc.Text(), text)
	if len(d) == 0 {
		return nil
	}
	u, err := r.doc.Clone().ApplyDelta(d)
	if err != nil {
		return err
	}
	_, err = m.commitLocked(ctx, r, u, by.ID, by.Kind, nil)
	return err
}
