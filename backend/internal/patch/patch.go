package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictDiverged 补丁的基线状态向量已落后于文档，需要重新生成或允许 rebase
	ErrConflictDiverged = errors.New("CONFLICT_DIVERGED")
	ErrAnchorUnresolved = errors.New("ANCHOR_UNRESOLVED")
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
)

type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

type AnchorKind string

const (
	// AnchorNode 段落 ID + 段内偏移
	AnchorNode AnchorKind = "node"
	// AnchorPath [段落序号, 段内偏移]
	AnchorPath AnchorKind = "path"
	// AnchorFuzzy 前后文本窗口，Hint 为大致偏移
	AnchorFuzzy AnchorKind = "fuzzy"
)

type Anchor struct {
	Kind    AnchorKind `json:"kind"`
	BlockID string     `json:"blockId,omitempty"`
	Offset  int        `json:"offset,omitempty"`
	Path    []int      `json:"path,omitempty"`
	Before  string     `json:"before,omitempty"`
	After   string     `json:"after,omitempty"`
	Hint    int        `json:"hint,omitempty"`
}

type Operation struct {
	Kind   OpKind `json:"kind"`
	Anchor Anchor `json:"anchor"`
	// Length 删除/替换的字符数
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`
}

func (op Operation) validate() error {
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive", ErrInvalidOperation)
		}
	case OpReplace:
		if op.Length <= 0 {
			return fmt.Errorf("%w: replace length must be positive", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

type Patch struct {
	DocumentID      string
	BaseStateVector []byte
	Operations      []Operation
	RebaseAllowed   bool
}

type Status string

const (
	StatusApplied          Status = "applied"
	StatusRejectedConflict Status = "rejected_conflict"
	StatusRebased          Status = "rebased"
	StatusError            Status = "error"
)

type Result struct {
	AuditID        string
	Status         Status
	Reason         string
	NewStateVector []byte
	// NewOperations 只在 rebased 时返回
	NewOperations []Operation
	Resolutions   []Resolution
}
