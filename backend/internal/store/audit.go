package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) AppendPatchAudit(ctx context.Context, a *PatchAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	return withRetry(ctx, s.retry, "append_patch_audit", func() error {
		err := s.db.WithContext(ctx).Create(a).Error
		if isDuplicateKey(err) {
			return nil
		}
		return err
	})
}

func (s *Store) ListPatchAudits(ctx context.Context, docID string, limit int) ([]PatchAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []PatchAudit
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// AppendAudit metadata 编码成 json 存储
func (s *Store) AppendAudit(ctx context.Context, docID, actorID string, action AuditAction, metadata map[string]any) error {
	a := &AuditLog{
		ID:         uuid.NewString(),
		DocumentID: docID,
		ActorID:    actorID,
		Action:     action,
		CreatedAt:  s.now(),
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		a.Metadata = b
	}
	return withRetry(ctx, s.retry, "append_audit", func() error {
		err := s.db.WithContext(ctx).Create(a).Error
		if isDuplicateKey(err) {
			return nil
		}
		return err
	})
}

// ListAudit 最新的在前；action 为空时不过滤
func (s *Store) ListAudit(ctx context.Context, docID string, action AuditAction, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("document_id = ?", docID)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var rows []AuditLog
	err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&rows).Error
	return rows, err
}

// SaveBlame 同一 (document, content_version) 只写一次，重复写入忽略
func (s *Store) SaveBlame(ctx context.Context, e *BlameEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	err := s.db.WithContext(ctx).Create(e).Error
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

func (s *Store) LoadBlame(ctx context.Context, docID string, contentVersion uint64) (*BlameEntry, error) {
	var e BlameEntry
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND content_version = ?", docID, contentVersion).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
