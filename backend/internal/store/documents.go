package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.MetaVersion == 0 {
		doc.MetaVersion = 1
	}
	err := s.db.WithContext(ctx).Create(doc).Error
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

// EnsureDocument 文档行不存在时补建，已存在则不动
func (s *Store) EnsureDocument(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Document{ID: docID, MetaVersion: 1}).Error
}

func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// UpdateTitle 非内容字段的修改走 meta_version 乐观锁
func (s *Store) UpdateTitle(ctx context.Context, docID, title string, expectedMeta uint64) (uint64, error) {
	res := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND meta_version = ?", docID, expectedMeta).
		Updates(map[string]any{
			"title":        title,
			"meta_version": gorm.Expr("meta_version + ?", 1),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetDocument(ctx, docID); err != nil {
			return 0, err
		}
		return 0, ErrMetaVersionConflict
	}
	return expectedMeta + 1, nil
}

func (s *Store) MarkReadOnly(ctx context.Context, docID, reason string) error {
	if err := s.EnsureDocument(ctx, docID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Update("read_only_reason", reason).Error
}

// ClearReadOnly 运维人工处理后调用
func (s *Store) ClearReadOnly(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Update("read_only_reason", "").Error
}

// ReadOnlyReason 文档不存在时返回空
func (s *Store) ReadOnlyReason(ctx context.Context, docID string) (string, error) {
	doc, err := s.GetDocument(ctx, docID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.ReadOnlyReason, nil
}
