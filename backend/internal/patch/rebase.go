package patch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"docSyncServer/backend/internal/crdt"
)

// RebaseRequest 交给 rebase 策略的上下文：原补丁和文档当前状态
type RebaseRequest struct {
	DocumentID         string      `json:"documentId"`
	BaseStateVector    []byte      `json:"baseStateVector"`
	CurrentStateVector []byte      `json:"currentStateVector"`
	CurrentText        string      `json:"currentText"`
	Operations         []Operation `json:"operations"`

	// Doc 当前文档的副本，只读
	Doc *crdt.Doc `json:"-"`
}

// Rebaser 返回替换用的操作列表；返回 nil 表示无法 rebase
type Rebaser interface {
	Rebase(ctx context.Context, req RebaseRequest) ([]Operation, error)
}

// ReanchorRebaser 把操作重新锚定到当前文档。段落 ID 和文本窗口在并发编辑后仍然有效，
// 段落序号不是，所以含 path 锚点的补丁不做 rebase。
type ReanchorRebaser struct{}

func (ReanchorRebaser) Rebase(_ context.Context, req RebaseRequest) ([]Operation, error) {
	if req.Doc == nil {
		return nil, nil
	}
	r := newResolver(req.Doc)
	out := make([]Operation, 0, len(req.Operations))
	for i, op := range req.Operations {
		if op.Anchor.Kind == AnchorPath {
			return nil, nil
		}
		res, err := r.resolve(i, op.Anchor)
		if err != nil {
			return nil, nil
		}
		op.Anchor = Anchor{Kind: AnchorNode, BlockID: res.BlockID, Offset: res.Offset}
		out = append(out, op)
	}
	return out, nil
}

const DefaultRebaseTimeout = 10 * time.Second

// HTTPRebaser 把 rebase 交给外部 agent：POST RebaseRequest，
// 200 返回 {"operations":[...]}，204 表示放弃。
type HTTPRebaser struct {
	url        string
	httpClient *http.Client
}

func NewHTTPRebaser(url string, timeout time.Duration) *HTTPRebaser {
	if timeout <= 0 {
		timeout = DefaultRebaseTimeout
	}
	return &HTTPRebaser{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type rebaseResponse struct {
	Operations []Operation `json:"operations"`
}

func (h *HTTPRebaser) Rebase(ctx context.Context, req RebaseRequest) ([]Operation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rebase request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rebase agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out rebaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rebase response: %w", err)
	}
	if len(out.Operations) == 0 {
		return nil, nil
	}
	return out.Operations, nil
}
