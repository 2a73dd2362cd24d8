package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetShare(ctx context.Context, docID, principalID string) (*DocumentShare, error) {
	var sh DocumentShare
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND principal_id = ?", docID, principalID).
		First(&sh).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sh, nil
}

func (s *Store) UpsertShare(ctx context.Context, docID, principalID, role string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "principal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&DocumentShare{DocumentID: docID, PrincipalID: principalID, Role: role}).Error
}

func (s *Store) DeleteShare(ctx context.Context, docID, principalID string) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND principal_id = ?", docID, principalID).
		Delete(&DocumentShare{}).Error
}

func (s *Store) CreateLink(ctx context.Context, l *ShareLink) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *Store) FindLinkByHash(ctx context.Context, hash string) (*ShareLink, error) {
	var l ShareLink
	err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) RevokeLink(ctx context.Context, docID string, id uint64) error {
	res := s.db.WithContext(ctx).Model(&ShareLink{}).
		Where("id = ? AND document_id = ?", id, docID).
		Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UseLink 在次数未用完时把 uses_count 加一，条件判断和递增在同一条 UPDATE 里完成。
// 次数已用完返回 ErrLinkExhausted。
func (s *Store) UseLink(ctx context.Context, id uint64) (int, error) {
	res := s.db.WithContext(ctx).Model(&ShareLink{}).
		Where("id = ? AND (max_uses IS NULL OR uses_count < max_uses)", id).
		Update("uses_count", gorm.Expr("uses_count + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrLinkExhausted
	}
	var l ShareLink
	if err := s.db.WithContext(ctx).Select("uses_count").First(&l, id).Error; err != nil {
		return 0, err
	}
	return l.UsesCount, nil
}
