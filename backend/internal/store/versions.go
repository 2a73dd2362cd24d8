package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type ListVersionsOptions struct {
	IncludeHidden   bool
	IncludeArchived bool
}

func (s *Store) ListVersions(ctx context.Context, docID string, opt ListVersionsOptions) ([]Version, error) {
	q := s.db.WithContext(ctx).Where("document_id = ?", docID)
	if !opt.IncludeHidden {
		q = q.Where("hidden = ?", false)
	}
	if !opt.IncludeArchived {
		q = q.Where("archived_at IS NULL")
	}
	var rows []Version
	err := q.Order("content_version ASC").Find(&rows).Error
	return rows, err
}

func (s *Store) GetVersion(ctx context.Context, docID string, contentVersion uint64) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND content_version = ?", docID, contentVersion).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// LoadVersion 返回版本行及其快照；快照已被清理时返回 ErrNotFound
func (s *Store) LoadVersion(ctx context.Context, docID string, contentVersion uint64) (*Version, *LoadedSnapshot, error) {
	v, err := s.GetVersion(ctx, docID, contentVersion)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.LoadSnapshot(ctx, docID, v.SnapshotSeq)
	if err != nil {
		return v, nil, err
	}
	return v, snap, nil
}

func (s *Store) SetPinned(ctx context.Context, docID string, contentVersion uint64, pinned bool) error {
	res := s.db.WithContext(ctx).Model(&Version{}).
		Where("document_id = ? AND content_version = ?", docID, contentVersion).
		Update("pinned", pinned)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveBeyondRetention 保留最近 keep 个未固定的版本，其余打上 archived_at（软删除）。
// 固定的版本不计入也不归档。
func (s *Store) ArchiveBeyondRetention(ctx context.Context, docID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&Version{}).
		Where("document_id = ? AND pinned = ? AND archived_at IS NULL", docID, false).
		Order("content_version DESC").
		Pluck("id", &ids).Error
	if err != nil || len(ids) <= keep {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&Version{}).
		Where("id IN ?", ids[keep:]).
		Update("archived_at", s.now())
	return res.RowsAffected, res.Error
}

// PruneArchived 显式的硬删除：删掉已归档且未固定版本的快照行，当前周期的快照永远保留。
// 版本行保留，以维持 content_version 连续。
func (s *Store) PruneArchived(ctx context.Context, docID string) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := loadCompactionState(tx, docID)
		if err != nil {
			return err
		}
		var seqs []uint64
		if err := tx.Model(&Version{}).
			Where("document_id = ? AND pinned = ? AND archived_at IS NOT NULL AND snapshot_seq < ?", docID, false, st.LastSnapshotSeq).
			Pluck("snapshot_seq", &seqs).Error; err != nil {
			return err
		}
		if len(seqs) == 0 {
			return nil
		}
		// 被固定版本引用的快照不删
		var keep []uint64
		if err := tx.Model(&Version{}).
			Where("document_id = ? AND snapshot_seq IN ? AND (pinned = ? OR archived_at IS NULL)", docID, seqs, true).
			Pluck("snapshot_seq", &keep).Error; err != nil {
			return err
		}
		drop := make([]uint64, 0, len(seqs))
		kept := make(map[uint64]bool, len(keep))
		for _, k := range keep {
			kept[k] = true
		}
		for _, q := range seqs {
			if !kept[q] {
				drop = append(drop, q)
			}
		}
		if len(drop) == 0 {
			return nil
		}
		res := tx.Where("document_id = ? AND snapshot_seq IN ?", docID, drop).Delete(&Snapshot{})
		pruned = res.RowsAffected
		return res.Error
	})
	return pruned, err
}
