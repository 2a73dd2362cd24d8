package patch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

type Config struct {
	RebaseTimeout time.Duration `mapstructure:"rebase_timeout"`
	MaxOperations int           `mapstructure:"max_operations"`
}

func DefaultConfig() Config {
	return Config{RebaseTimeout: DefaultRebaseTimeout, MaxOperations: 1000}
}

type Applier struct {
	mgr     *collab.Manager
	store   *store.Store
	rebaser Rebaser
	cfg     Config
}

// NewApplier rebaser 为 nil 时 rebaseAllowed 的补丁在分叉时同样被拒绝
func NewApplier(mgr *collab.Manager, st *store.Store, rebaser Rebaser, cfg Config) *Applier {
	def := DefaultConfig()
	if cfg.RebaseTimeout <= 0 {
		cfg.RebaseTimeout = def.RebaseTimeout
	}
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = def.MaxOperations
	}
	return &Applier{mgr: mgr, store: st, rebaser: rebaser, cfg: cfg}
}

// diverged 守卫失败时在房间锁内拍下的当前状态
type diverged struct {
	sv   []byte
	text string
	doc  *crdt.Doc
}

// Submit 校验并应用补丁。补丁层面的失败体现在 Result.Status 中；
// 返回 error 只有权限不足和请求被取消两种情况。每次尝试都写审计。
func (a *Applier) Submit(ctx context.Context, p Patch, by access.Principal) (*Result, error) {
	if !by.Role.CanEdit() {
		return nil, access.ErrForbidden
	}
	by.Kind = store.AuthorAgent

	res := a.submit(ctx, p, by)
	a.audit(ctx, p, by, res)
	metrics.PatchResults.WithLabelValues(string(res.Status)).Inc()
	zap.S().Infow("patch processed",
		"documentId", p.DocumentID,
		"principalId", by.ID,
		"status", res.Status,
		"operations", len(p.Operations),
		"reason", res.Reason,
	)
	if ctx.Err() != nil && res.Status == StatusError {
		return res, ctx.Err()
	}
	return res, nil
}

func (a *Applier) submit(ctx context.Context, p Patch, by access.Principal) *Result {
	if len(p.Operations) == 0 {
		return &Result{Status: StatusError, Reason: "patch has no operations"}
	}
	if len(p.Operations) > a.cfg.MaxOperations {
		return &Result{Status: StatusError, Reason: fmt.Sprintf("patch has %d operations, limit is %d", len(p.Operations), a.cfg.MaxOperations)}
	}
	base, err := crdt.DecodeStateVector(p.BaseStateVector)
	if err != nil {
		return &Result{Status: StatusError, Reason: "invalid base state vector"}
	}

	sv, resolutions, div, err := a.apply(ctx, p.DocumentID, base, p.Operations, by)
	switch {
	case err == nil:
		return &Result{Status: StatusApplied, NewStateVector: sv, Resolutions: resolutions}
	case !errors.Is(err, ErrConflictDiverged):
		return &Result{Status: StatusError, Reason: err.Error(), Resolutions: resolutions}
	case !p.RebaseAllowed:
		return &Result{Status: StatusRejectedConflict, Reason: "document changed since the patch was generated; regenerate it against the current state"}
	case a.rebaser == nil:
		return &Result{Status: StatusRejectedConflict, Reason: "document changed and no rebase strategy is configured"}
	}

	ops, err := a.rebase(ctx, p, div)
	if err != nil {
		return &Result{Status: StatusRejectedConflict, Reason: "rebase failed: " + err.Error()}
	}
	if ops == nil {
		return &Result{Status: StatusRejectedConflict, Reason: "rebase produced no replacement patch"}
	}
	rebasedBase, err := crdt.DecodeStateVector(div.sv)
	if err != nil {
		return &Result{Status: StatusError, Reason: err.Error()}
	}
	sv, resolutions, _, err = a.apply(ctx, p.DocumentID, rebasedBase, ops, by)
	switch {
	case errors.Is(err, ErrConflictDiverged):
		return &Result{Status: StatusRejectedConflict, Reason: "document changed again while rebasing"}
	case err != nil:
		return &Result{Status: StatusError, Reason: "rebased patch did not validate: " + err.Error(), NewOperations: ops, Resolutions: resolutions}
	}
	return &Result{Status: StatusRebased, NewStateVector: sv, NewOperations: ops, Resolutions: resolutions}
}

// apply 守卫和执行都在房间锁内，中间不会插入别的编辑
func (a *Applier) apply(ctx context.Context, docID string, base crdt.StateVector, ops []Operation, by access.Principal) ([]byte, []Resolution, *diverged, error) {
	var (
		resolutions []Resolution
		div         *diverged
	)
	sv, err := a.mgr.Edit(ctx, docID, by, func(doc *crdt.Doc) ([]byte, error) {
		if !doc.StateVector().Equal(base) {
			div = &diverged{sv: doc.EncodeStateVector(), text: doc.Text(), doc: doc.Clone()}
			return nil, ErrConflictDiverged
		}
		u, res, err := build(doc, ops)
		resolutions = res
		return u, err
	})
	return sv, resolutions, div, err
}

func (a *Applier) rebase(ctx context.Context, p Patch, div *diverged) ([]Operation, error) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RebaseTimeout)
	defer cancel()
	return a.rebaser.Rebase(rctx, RebaseRequest{
		DocumentID:         p.DocumentID,
		BaseStateVector:    p.BaseStateVector,
		CurrentStateVector: div.sv,
		CurrentText:        div.text,
		Operations:         p.Operations,
		Doc:                div.doc,
	})
}

func (a *Applier) audit(ctx context.Context, p Patch, by access.Principal, res *Result) {
	ops, _ := json.Marshal(p.Operations)
	resolutions, _ := json.Marshal(res.Resolutions)
	row := &store.PatchAudit{
		DocumentID:        p.DocumentID,
		AuthorID:          by.ID,
		Status:            string(res.Status),
		Reason:            res.Reason,
		RebaseAllowed:     p.RebaseAllowed,
		BaseStateVector:   p.BaseStateVector,
		ResultStateVector: res.NewStateVector,
		Operations:        ops,
		Resolutions:       resolutions,
	}
	// 请求被取消也要留下审计
	if err := a.store.AppendPatchAudit(context.WithoutCancel(ctx), row); err != nil {
		zap.S().Errorw("append patch audit failed", "documentId", p.DocumentID, "status", res.Status, "error", err)
		return
	}
	res.AuditID = row.ID
}
