package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDocumentUnrecoverable = errors.New("DOCUMENT_UNRECOVERABLE")
	ErrDocumentTooLarge      = errors.New("DOCUMENT_TOO_LARGE")
	// ErrStaleSnapshotCycle 写入的 update 属于已被新快照取代的周期
	ErrStaleSnapshotCycle  = errors.New("stale snapshot cycle")
	ErrMetaVersionConflict = errors.New("meta version conflict")
	ErrCorruptSnapshot     = errors.New("corrupt snapshot")
	ErrLinkExhausted       = errors.New("link max uses exceeded")
)

type Store struct {
	db    *gorm.DB
	codec *Codec
	retry RetryPolicy
	now   func() time.Time
}

type Option func(*Store)

func WithRetryPolicy(p RetryPolicy) Option { return func(s *Store) { s.retry = p } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(db *gorm.DB, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, codec: codec, retry: DefaultRetryPolicy, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() { s.codec.Close() }

// LoadedSnapshot 是解压后的快照
type LoadedSnapshot struct {
	DocumentID  string
	Seq         uint64
	State       []byte
	StateVector []byte
	SizeBytes   int64
	CreatedAt   time.Time
}

func (s *Store) decode(row *Snapshot) (*LoadedSnapshot, error) {
	state, err := s.codec.Decompress(row.CompressedState)
	if err != nil {
		return nil, fmt.Errorf("%w: doc=%s seq=%d: %v", ErrCorruptSnapshot, row.DocumentID, row.SnapshotSeq, err)
	}
	if int64(len(state)) != row.SizeBytes {
		return nil, fmt.Errorf("%w: doc=%s seq=%d: size %d != %d",
			ErrCorruptSnapshot, row.DocumentID, row.SnapshotSeq, len(state), row.SizeBytes)
	}
	return &LoadedSnapshot{
		DocumentID:  row.DocumentID,
		Seq:         row.SnapshotSeq,
		State:       state,
		StateVector: row.StateVector,
		SizeBytes:   row.SizeBytes,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// LoadLatestSnapshot 没有快照时返回 ErrNotFound
func (s *Store) LoadLatestSnapshot(ctx context.Context, docID string) (*LoadedSnapshot, error) {
	var row Snapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("snapshot_seq DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.decode(&row)
}

func (s *Store) LoadSnapshot(ctx context.Context, docID string, seq uint64) (*LoadedSnapshot, error) {
	var row Snapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND snapshot_seq = ?", docID, seq).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.decode(&row)
}

// LoadUpdatesSince 返回 snapshot_seq >= seq 的全部 update，按 (snapshot_seq, sequence_number) 排序
func (s *Store) LoadUpdatesSince(ctx context.Context, docID string, seq uint64) ([]UpdateRecord, error) {
	var rows []UpdateRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND snapshot_seq >= ?", docID, seq).
		Order("snapshot_seq ASC").
		Order("sequence_number ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Store) countUpdates(tx *gorm.DB, docID string, seq uint64) (uint64, error) {
	var n int64
	err := tx.Model(&UpdateRecord{}).
		Where("document_id = ? AND snapshot_seq = ?", docID, seq).
		Count(&n).Error
	return uint64(n), err
}

// CompactionState 不存在时返回零值（尚未写过快照）
func (s *Store) CompactionState(ctx context.Context, docID string) (*CompactionState, error) {
	return loadCompactionState(s.db.WithContext(ctx), docID)
}

func loadCompactionState(tx *gorm.DB, docID string) (*CompactionState, error) {
	var st CompactionState
	err := tx.Where("document_id = ?", docID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &CompactionState{DocumentID: docID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListCompactionStates 供周期扫描使用
func (s *Store) ListCompactionStates(ctx context.Context, lastBefore time.Time, minUpdates uint64) ([]CompactionState, error) {
	var rows []CompactionState
	err := s.db.WithContext(ctx).
		Where("updates_since_snapshot >= ? AND (last_compacted_at < ? OR last_compacted_at IS NULL)", minUpdates, lastBefore).
		Find(&rows).Error
	return rows, err
}

type AppendRequest struct {
	DocumentID  string
	SnapshotSeq uint64
	Bytes       []byte
	AuthorID    string
	AuthorKind  AuthorKind
}

// AppendUpdate 追加一条 update 并在同一事务里累加计数器。
// SnapshotSeq 必须是当前周期，否则返回 ErrStaleSnapshotCycle。瞬时失败会退避重试。
func (s *Store) AppendUpdate(ctx context.Context, req AppendRequest) (*UpdateRecord, error) {
	if req.AuthorKind == "" {
		req.AuthorKind = AuthorHuman
	}
	var rec *UpdateRecord
	err := withRetry(ctx, s.retry, "append_update", func() error {
		var err error
		rec, err = s.appendOnce(ctx, req)
		return err
	})
	return rec, err
}

func (s *Store) appendOnce(ctx context.Context, req AppendRequest) (*UpdateRecord, error) {
	var rec UpdateRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := loadCompactionState(tx, req.DocumentID)
		if err != nil {
			return err
		}
		if st.LastSnapshotSeq != req.SnapshotSeq {
			return fmt.Errorf("%w: doc=%s have=%d got=%d", ErrStaleSnapshotCycle, req.DocumentID, st.LastSnapshotSeq, req.SnapshotSeq)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&CompactionState{DocumentID: req.DocumentID, LastCompactedAt: s.now()}).Error; err != nil {
			return err
		}
		rec = UpdateRecord{
			DocumentID:     req.DocumentID,
			SnapshotSeq:    req.SnapshotSeq,
			SequenceNumber: st.UpdatesSinceSnapshot + 1,
			OperationBytes: req.Bytes,
			AuthorID:       req.AuthorID,
			AuthorKind:     req.AuthorKind,
			CreatedAt:      s.now(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		// 乐观条件：周期和计数都没被别人改过
		res := tx.Model(&CompactionState{}).
			Where("document_id = ? AND last_snapshot_seq = ? AND updates_since_snapshot = ?",
				req.DocumentID, req.SnapshotSeq, st.UpdatesSinceSnapshot).
			Updates(map[string]any{
				"updates_since_snapshot": gorm.Expr("updates_since_snapshot + ?", 1),
				"bytes_since_snapshot":   gorm.Expr("bytes_since_snapshot + ?", len(req.Bytes)),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("compaction state changed concurrently")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type WriteSnapshotRequest struct {
	DocumentID  string
	State       []byte
	StateVector []byte
	// ExpectedSeq / ExpectedUpdates 是 State 所覆盖的周期和 update 条数；
	// 期间有新的 update 写入则返回 ErrStaleSnapshotCycle。
	ExpectedSeq     uint64
	ExpectedUpdates uint64
	Trigger         VersionTrigger
	Label           string
	Hidden          bool
	Pinned          bool
	CreatedBy       string
	// Fence 在提交前调用，返回错误则整个事务回滚
	Fence func() error
}

type WriteSnapshotResult struct {
	SnapshotSeq    uint64
	ContentVersion uint64
	SizeBytes      int64
	CompressedSize int
	// Superseded 是被本次快照折叠并删除的 update
	Superseded []UpdateRecord
	Version    Version
}

// WriteSnapshot 在一个事务里：写新快照、删除上一周期的 update、重置计数、content_version+1、写版本行
func (s *Store) WriteSnapshot(ctx context.Context, req WriteSnapshotRequest) (*WriteSnapshotResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerAuto
	}
	compressed := s.codec.Compress(req.State)
	var out *WriteSnapshotResult
	err := withRetry(ctx, s.retry, "write_snapshot", func() error {
		var err error
		out, err = s.writeSnapshotOnce(ctx, req, compressed)
		return err
	})
	return out, err
}

func (s *Store) writeSnapshotOnce(ctx context.Context, req WriteSnapshotRequest, compressed []byte) (*WriteSnapshotResult, error) {
	out := &WriteSnapshotResult{SizeBytes: int64(len(req.State)), CompressedSize: len(compressed)}
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := loadCompactionState(tx, req.DocumentID)
		if err != nil {
			return err
		}
		if st.LastSnapshotSeq != req.ExpectedSeq || st.UpdatesSinceSnapshot != req.ExpectedUpdates {
			return fmt.Errorf("%w: doc=%s state=(%d,%d) expected=(%d,%d)", ErrStaleSnapshotCycle,
				req.DocumentID, st.LastSnapshotSeq, st.UpdatesSinceSnapshot, req.ExpectedSeq, req.ExpectedUpdates)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&CompactionState{DocumentID: req.DocumentID, LastCompactedAt: now}).Error; err != nil {
			return err
		}
		newSeq := st.LastSnapshotSeq + 1

		// 先占住 compaction_states 行，之后的 append 会因条件不满足而失败
		res := tx.Model(&CompactionState{}).
			Where("document_id = ? AND last_snapshot_seq = ? AND updates_since_snapshot = ?",
				req.DocumentID, st.LastSnapshotSeq, st.UpdatesSinceSnapshot).
			Updates(map[string]any{
				"last_snapshot_seq":      newSeq,
				"updates_since_snapshot": 0,
				"bytes_since_snapshot":   0,
				"last_compacted_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: doc=%s", ErrStaleSnapshotCycle, req.DocumentID)
		}

		snap := Snapshot{
			DocumentID:      req.DocumentID,
			SnapshotSeq:     newSeq,
			CompressedState: compressed,
			StateVector:     req.StateVector,
			SizeBytes:       int64(len(req.State)),
			CreatedAt:       now,
		}
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}

		if err := tx.Where("document_id = ? AND snapshot_seq <= ?", req.DocumentID, st.LastSnapshotSeq).
			Order("snapshot_seq ASC").Order("sequence_number ASC").
			Find(&out.Superseded).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ? AND snapshot_seq <= ?", req.DocumentID, st.LastSnapshotSeq).
			Delete(&UpdateRecord{}).Error; err != nil {
			return err
		}

		cv, err := bumpContentVersion(tx, req.DocumentID)
		if err != nil {
			return err
		}
		out.Version = Version{
			DocumentID:     req.DocumentID,
			ContentVersion: cv,
			SnapshotSeq:    newSeq,
			Trigger:        req.Trigger,
			Label:          req.Label,
			Hidden:         req.Hidden,
			Pinned:         req.Pinned,
			CycleUpdates:   st.UpdatesSinceSnapshot,
			CreatedBy:      req.CreatedBy,
			CreatedAt:      now,
		}
		if err := tx.Create(&out.Version).Error; err != nil {
			return err
		}

		if req.Fence != nil {
			if err := req.Fence(); err != nil {
				return Permanent(err)
			}
		}
		out.SnapshotSeq = newSeq
		out.ContentVersion = cv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// bumpContentVersion 文档行不存在时自动补建
func bumpContentVersion(tx *gorm.DB, docID string) (uint64, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Document{ID: docID}).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&Document{}).Where("id = ?", docID).
		Update("content_version", gorm.Expr("content_version + ?", 1)).Error; err != nil {
		return 0, err
	}
	var doc Document
	if err := tx.Select("content_version").Where("id = ?", docID).First(&doc).Error; err != nil {
		return 0, err
	}
	return doc.ContentVersion, nil
}
