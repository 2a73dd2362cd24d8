package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"docSyncServer/backend/internal/store"
)

// HashLinkToken 数据库里只存这个值
func HashLinkToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newLinkToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type LinkRequest struct {
	DocumentID string
	Role       Role
	Password   string
	TTL        time.Duration
	// MaxUses 为 0 表示不限次数
	MaxUses   int
	CreatedBy string
}

// CreateLink 返回明文 token，只在创建时可见
func (g *Gate) CreateLink(ctx context.Context, req LinkRequest) (string, *store.ShareLink, error) {
	if req.Role == RoleOwner || req.Role == RoleNone || !req.Role.AtLeast(RoleViewer) {
		return "", nil, fmt.Errorf("role %q cannot be granted by link", req.Role)
	}
	token, err := newLinkToken()
	if err != nil {
		return "", nil, err
	}
	link := &store.ShareLink{
		DocumentID: req.DocumentID,
		TokenHash:  HashLinkToken(token),
		Role:       string(req.Role),
		CreatedBy:  req.CreatedBy,
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", nil, err
		}
		link.PasswordHash = string(hash)
	}
	if req.TTL > 0 {
		exp := g.now().Add(req.TTL)
		link.ExpiresAt = &exp
	}
	if req.MaxUses < 0 {
		return "", nil, fmt.Errorf("max uses must not be negative")
	}
	if req.MaxUses > 0 {
		n := req.MaxUses
		link.MaxUses = &n
	}
	if err := g.store.CreateLink(ctx, link); err != nil {
		return "", nil, err
	}
	meta := map[string]any{"linkId": link.ID, "role": link.Role, "passwordProtected": link.PasswordHash != ""}
	if link.ExpiresAt != nil {
		meta["expiresAt"] = link.ExpiresAt
	}
	if link.MaxUses != nil {
		meta["maxUses"] = *link.MaxUses
	}
	g.audit(ctx, req.DocumentID, req.CreatedBy, store.AuditLinkCreated, meta)
	return token, link, nil
}

func (g *Gate) resolveLink(ctx context.Context, docID, token, password string) (Principal, error) {
	link, err := g.store.FindLinkByHash(ctx, HashLinkToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if link.DocumentID != docID {
		return Principal{}, ErrForbidden
	}
	if link.Revoked || (link.ExpiresAt != nil && !g.now().Before(*link.ExpiresAt)) {
		return Principal{}, ErrUnauthorized
	}
	if link.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return Principal{}, ErrUnauthorized
		}
	}
	role, err := ParseRole(link.Role)
	if err != nil || role == RoleNone {
		return Principal{}, ErrForbidden
	}
	// 每次成功通过校验算一次使用，失败的尝试不计数
	uses, err := g.store.UseLink(ctx, link.ID)
	if err != nil {
		if errors.Is(err, store.ErrLinkExhausted) {
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return Principal{}, err
	}
	g.audit(ctx, docID, "", store.AuditLinkUsed, map[string]any{"linkId": link.ID, "role": link.Role, "usesCount": uses})
	return Principal{
		ID:     fmt.Sprintf("link:%d", link.ID),
		Name:   "guest",
		Kind:   store.AuthorHuman,
		Role:   role,
		LinkID: link.ID,
	}, nil
}

func (g *Gate) RevokeLink(ctx context.Context, docID string, linkID uint64, by string) error {
	if err := g.store.RevokeLink(ctx, docID, linkID); err != nil {
		return err
	}
	g.audit(ctx, docID, by, store.AuditLinkRevoked, map[string]any{"linkId": linkID})
	return nil
}
