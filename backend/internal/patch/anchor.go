package patch

import (
	"fmt"
	"slices"

	"docSyncServer/backend/internal/crdt"
)

// Resolution 记录一个锚点实际解析到的位置，写入审计
type Resolution struct {
	Operation int        `json:"operation"`
	Anchor    AnchorKind `json:"anchor"`
	Position  int        `json:"position"`
	BlockID   string     `json:"blockId"`
	Offset    int        `json:"offset"`
	// Method: exact / window / hint
	Method string `json:"method"`
}

type resolver struct {
	doc    *crdt.Doc
	blocks []crdt.Block
	text   []rune
}

func newResolver(doc *crdt.Doc) *resolver {
	return &resolver{doc: doc, blocks: doc.Blocks(), text: []rune(doc.Text())}
}

func (r *resolver) resolve(i int, a Anchor) (Resolution, error) {
	res := Resolution{Operation: i, Anchor: a.Kind, Method: "exact"}
	switch a.Kind {
	case AnchorNode:
		for _, b := range r.blocks {
			if b.ID == a.BlockID {
				return r.inBlock(res, b, a.Offset)
			}
		}
		return res, fmt.Errorf("%w: operation %d: block %q not found", ErrAnchorUnresolved, i, a.BlockID)
	case AnchorPath:
		if len(a.Path) != 2 {
			return res, fmt.Errorf("%w: operation %d: path must be [block, offset]", ErrAnchorUnresolved, i)
		}
		if a.Path[0] < 0 || a.Path[0] >= len(r.blocks) {
			return res, fmt.Errorf("%w: operation %d: block index %d out of range", ErrAnchorUnresolved, i, a.Path[0])
		}
		return r.inBlock(res, r.blocks[a.Path[0]], a.Path[1])
	case AnchorFuzzy:
		return r.fuzzy(res, a)
	}
	return res, fmt.Errorf("%w: operation %d: unknown anchor kind %q", ErrAnchorUnresolved, i, a.Kind)
}

func (r *resolver) inBlock(res Resolution, b crdt.Block, offset int) (Resolution, error) {
	if offset < 0 || offset > len([]rune(b.Text)) {
		return res, fmt.Errorf("%w: operation %d: offset %d outside block %q", ErrAnchorUnresolved, res.Operation, offset, b.ID)
	}
	res.BlockID = b.ID
	res.Offset = offset
	res.Position = b.Start + offset
	return res, nil
}

// fuzzy 在全文中查找 Before|After 的拼接点。唯一命中直接采用；多处命中时取离 Hint 最近的，
// 距离相同视为无法解析。找不到时不猜位置。
func (r *resolver) fuzzy(res Resolution, a Anchor) (Resolution, error) {
	before, after := []rune(a.Before), []rune(a.After)
	if len(before) == 0 && len(after) == 0 {
		return res, fmt.Errorf("%w: operation %d: empty text window", ErrAnchorUnresolved, res.Operation)
	}
	var hits []int
	for p := len(before); p+len(after) <= len(r.text); p++ {
		if slices.Equal(r.text[p-len(before):p], before) && slices.Equal(r.text[p:p+len(after)], after) {
			hits = append(hits, p)
		}
	}
	switch len(hits) {
	case 0:
		return res, fmt.Errorf("%w: operation %d: text window not found", ErrAnchorUnresolved, res.Operation)
	case 1:
		res.Position = hits[0]
		res.Method = "window"
	default:
		best, tie := -1, false
		for _, p := range hits {
			switch {
			case best < 0 || abs(p-a.Hint) < abs(best-a.Hint):
				best, tie = p, false
			case abs(p-a.Hint) == abs(best-a.Hint):
				tie = true
			}
		}
		if tie {
			return res, fmt.Errorf("%w: operation %d: text window is ambiguous", ErrAnchorUnresolved, res.Operation)
		}
		res.Position = best
		res.Method = "hint"
	}
	res.BlockID, res.Offset = r.blockAt(res.Position)
	return res, nil
}

func (r *resolver) blockAt(pos int) (string, int) {
	b := r.blocks[0]
	for _, cand := range r.blocks[1:] {
		if cand.Start > pos {
			break
		}
		b = cand
	}
	return b.ID, pos - b.Start
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// target 锚点解析成 CRDT ID，后续操作改变位置也不会漂移
type target struct {
	after   crdt.ID   // 插入点前一个字符，文档开头为零值
	deletes []crdt.ID // 要删除的字符
}

func (r *resolver) target(op Operation, res Resolution) (target, error) {
	var t target
	if res.Position > 0 {
		id, ok := r.doc.IDAt(res.Position - 1)
		if !ok {
			return t, fmt.Errorf("%w: operation %d: position %d out of range", ErrAnchorUnresolved, res.Operation, res.Position)
		}
		t.after = id
	}
	if op.Kind == OpDelete || op.Kind == OpReplace {
		if op.Length > len(r.text)-res.Position {
			return t, fmt.Errorf("%w: operation %d: deletes past end of document", ErrInvalidOperation, res.Operation)
		}
		for p := res.Position; p < res.Position+op.Length; p++ {
			id, _ := r.doc.IDAt(p)
			t.deletes = append(t.deletes, id)
		}
	}
	return t, nil
}
