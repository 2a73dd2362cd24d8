package patch

import (
	"fmt"
	"unicode/utf8"

	"docSyncServer/backend/internal/crdt"
)

// build 先在原文上解析全部锚点，再在副本上依次执行。任何一步失败都不产生 update，
// 原文档不受影响。
func build(doc *crdt.Doc, ops []Operation) ([]byte, []Resolution, error) {
	r := newResolver(doc)
	resolutions := make([]Resolution, 0, len(ops))
	targets := make([]target, 0, len(ops))
	for i, op := range ops {
		if err := op.validate(); err != nil {
			return nil, resolutions, fmt.Errorf("operation %d: %w", i, err)
		}
		res, err := r.resolve(i, op.Anchor)
		if err != nil {
			return nil, resolutions, err
		}
		t, err := r.target(op, res)
		if err != nil {
			return nil, resolutions, err
		}
		resolutions = append(resolutions, res)
		targets = append(targets, t)
	}

	clone := doc.Clone()
	// 同一锚点上的多次插入按提交顺序排列
	tail := make(map[crdt.ID]crdt.ID)
	var updates [][]byte
	for i, op := range ops {
		t := targets[i]
		for _, id := range t.deletes {
			if clone.Deleted(id) {
				return nil, resolutions, fmt.Errorf("%w: operation %d overlaps an earlier deletion", ErrInvalidOperation, i)
			}
			pos, _ := clone.PositionOf(id)
			u, err := clone.Delete(pos, 1)
			if err != nil {
				return nil, resolutions, fmt.Errorf("operation %d: %w", i, err)
			}
			updates = append(updates, u)
		}
		if op.Text == "" || op.Kind == OpDelete {
			continue
		}
		after := t.after
		if last, ok := tail[t.after]; ok {
			after = last
		}
		pos := 0
		if !after.IsRoot() {
			p, ok := clone.PositionOf(after)
			if !ok {
				return nil, resolutions, fmt.Errorf("%w: operation %d: anchor character vanished", ErrAnchorUnresolved, i)
			}
			pos = p
			if !clone.Deleted(after) {
				pos++
			}
		}
		u, err := clone.Insert(pos, op.Text)
		if err != nil {
			return nil, resolutions, fmt.Errorf("operation %d: %w", i, err)
		}
		updates = append(updates, u)
		last, _ := clone.IDAt(pos + utf8.RuneCountInString(op.Text) - 1)
		tail[t.after] = last
	}
	if len(updates) == 0 {
		return nil, resolutions, fmt.Errorf("%w: patch changes nothing", ErrInvalidOperation)
	}
	merged, err := crdt.MergeUpdates(updates...)
	if err != nil {
		return nil, resolutions, err
	}
	return merged, resolutions, nil
}
