package access

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/store"
)

// Credentials 连接建立时带来的凭证，Bearer 和 Link 二选一
type Credentials struct {
	Bearer       string
	Link         string
	LinkPassword string
}

func (c Credentials) Empty() bool { return c.Bearer == "" && c.Link == "" }

type Gate struct {
	store  *store.Store
	tokens *TokenIssuer
	now    func() time.Time
}

func NewGate(st *store.Store, tokens *TokenIssuer) *Gate {
	return &Gate{store: st, tokens: tokens, now: time.Now}
}

func (g *Gate) Tokens() *TokenIssuer { return g.tokens }

// Identify 只校验身份，不涉及具体文档
func (g *Gate) Identify(bearer string) (Principal, error) {
	if bearer == "" {
		return Principal{}, ErrUnauthorized
	}
	claims, err := g.tokens.ParseToken(bearer)
	if err != nil {
		zap.S().Debugw("token rejected", "error", err)
		return Principal{}, ErrUnauthorized
	}
	return Principal{ID: claims.Subject, Name: claims.Username, Kind: claims.AuthorKind(), Role: RoleNone}, nil
}

// Authorize 解析出 {principal, role}。role 为 none 时返回 ErrForbidden，
// 调用方应在任何同步消息之前拒绝连接。
func (g *Gate) Authorize(ctx context.Context, docID string, cred Credentials) (Principal, error) {
	var (
		p   Principal
		err error
	)
	switch {
	case cred.Bearer != "":
		p, err = g.Identify(cred.Bearer)
		if err != nil {
			return Principal{}, err
		}
		p.Role, err = g.RoleOf(ctx, docID, p.ID)
	case cred.Link != "":
		p, err = g.resolveLink(ctx, docID, cred.Link, cred.LinkPassword)
	default:
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, err
	}
	if p.Role == RoleNone {
		return Principal{}, ErrForbidden
	}
	return p, nil
}

// RoleOf 所有者 → owner；否则查共享表；都没有则 none
func (g *Gate) RoleOf(ctx context.Context, docID, principalID string) (Role, error) {
	doc, err := g.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RoleNone, nil
		}
		return RoleNone, err
	}
	if doc.OwnerID == principalID {
		return RoleOwner, nil
	}
	sh, err := g.store.GetShare(ctx, docID, principalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RoleNone, nil
		}
		return RoleNone, err
	}
	role, err := ParseRole(sh.Role)
	if err != nil {
		zap.S().Warnw("unknown role in share row", "documentId", docID, "principalId", principalID, "role", sh.Role)
		return RoleNone, nil
	}
	return role, nil
}

// Share 授权，owner 只能通过文档所有权获得。by 是操作者，记入审计。
func (g *Gate) Share(ctx context.Context, docID, principalID string, role Role, by string) error {
	if role == RoleOwner {
		return ErrForbidden
	}
	prev, err := g.RoleOf(ctx, docID, principalID)
	if err != nil {
		return err
	}
	if role == RoleNone {
		if err := g.store.DeleteShare(ctx, docID, principalID); err != nil {
			return err
		}
		g.audit(ctx, docID, by, store.AuditMemberRemoved, map[string]any{
			"principalId": principalID,
			"oldRole":     prev,
		})
		return nil
	}
	if err := g.store.UpsertShare(ctx, docID, principalID, string(role)); err != nil {
		return err
	}
	g.audit(ctx, docID, by, store.AuditRoleChanged, map[string]any{
		"principalId": principalID,
		"oldRole":     prev,
		"newRole":     role,
	})
	return nil
}

// audit 审计写入失败只记日志，不影响已完成的操作
func (g *Gate) audit(ctx context.Context, docID, actorID string, action store.AuditAction, metadata map[string]any) {
	if err := g.store.AppendAudit(context.WithoutCancel(ctx), docID, actorID, action, metadata); err != nil {
		zap.S().Errorw("append audit failed", "documentId", docID, "action", action, "error", err)
	}
}
