package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/crdt"
)

// Reconstructed 是 latest_snapshot + updates_since(snapshot) 的结果
type Reconstructed struct {
	Doc *crdt.Doc
	// SnapshotSeq 当前周期，后续 AppendUpdate 应使用它
	SnapshotSeq uint64
	// Updates 当前周期已回放的 update 条数
	Updates      uint64
	Bytes        uint64
	FromFallback bool
}

// Reconstruct 按 (snapshot_seq, sequence_number) 顺序回放。
// 当前快照缺失或损坏时回退到上一个快照，并要求被取代周期的 update 仍全部保留；
// 否则返回 ErrDocumentUnrecoverable 并把文档标记为只读。
func (s *Store) Reconstruct(ctx context.Context, docID string, client uint64) (*Reconstructed, error) {
	st, err := s.CompactionState(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := &Reconstructed{Doc: crdt.New(client), SnapshotSeq: st.LastSnapshotSeq}
	base := st.LastSnapshotSeq

	if base > 0 {
		snap, err := s.LoadSnapshot(ctx, docID, base)
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorruptSnapshot) {
			return nil, err
		}
		if err == nil {
			if _, err = out.Doc.ApplyUpdate(snap.State); err != nil {
				err = fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
			}
		}
		if err != nil {
			zap.S().Errorw("latest snapshot unusable, falling back", "documentId", docID, "snapshotSeq", base, "error", err)
			out.Doc = crdt.New(client)
			if base, err = s.fallback(ctx, docID, base, out.Doc); err != nil {
				return nil, s.unrecoverable(ctx, docID, err)
			}
			out.FromFallback = true
		}
	}

	records, err := s.LoadUpdatesSince(ctx, docID, base)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if _, err := out.Doc.ApplyUpdate(r.OperationBytes); err != nil {
			return nil, s.unrecoverable(ctx, docID,
				fmt.Errorf("update (%d,%d): %v", r.SnapshotSeq, r.SequenceNumber, err))
		}
		if r.SnapshotSeq == st.LastSnapshotSeq {
			out.Updates++
			out.Bytes += uint64(len(r.OperationBytes))
		}
	}
	return out, nil
}

// fallback 载入 seq-1 的快照，前提是 seq 折叠掉的 update 还在
func (s *Store) fallback(ctx context.Context, docID string, seq uint64, doc *crdt.Doc) (uint64, error) {
	prev := seq - 1
	var v Version
	err := s.db.WithContext(ctx).Where("document_id = ? AND snapshot_seq = ?", docID, seq).First(&v).Error
	if err != nil {
		return 0, fmt.Errorf("no version row for snapshot %d: %v", seq, err)
	}
	retained, err := s.countUpdates(s.db.WithContext(ctx), docID, prev)
	if err != nil {
		return 0, err
	}
	if retained != v.CycleUpdates {
		return 0, fmt.Errorf("snapshot %d folded %d updates, only %d retained", seq, v.CycleUpdates, retained)
	}
	if prev == 0 {
		return 0, nil
	}
	snap, err := s.LoadSnapshot(ctx, docID, prev)
	if err != nil {
		return 0, fmt.Errorf("prior snapshot %d: %v", prev, err)
	}
	if _, err := doc.ApplyUpdate(snap.State); err != nil {
		return 0, fmt.Errorf("prior snapshot %d: %v", prev, err)
	}
	return prev, nil
}

func (s *Store) unrecoverable(ctx context.Context, docID string, cause error) error {
	err := fmt.Errorf("%w: doc=%s: %v", ErrDocumentUnrecoverable, docID, cause)
	zap.S().Errorw("document unrecoverable, marking read-only", "documentId", docID, "error", cause)
	if markErr := s.MarkReadOnly(ctx, docID, ErrDocumentUnrecoverable.Error()); markErr != nil {
		zap.S().Errorw("mark read-only failed", "documentId", docID, "error", markErr)
	}
	return err
}
