package blame

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/store"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	// ConfidenceLow 区间内多人改过同一行，或者缺少区间内的 update 记录
	ConfidenceLow Confidence = "low"
)

type Line struct {
	Line       int        `json:"line"`
	AuthorID   string     `json:"authorId"`
	AuthorKind string     `json:"authorKind,omitempty"`
	At         time.Time  `json:"at"`
	Confidence Confidence `json:"confidence"`
}

type Blame struct {
	DocumentID     string `json:"documentId"`
	ContentVersion uint64 `json:"contentVersion"`
	Lines          []Line `json:"lines"`
}

// fallback 在没有区间 update 记录时，变化的行记在这个作者名下
type fallback struct {
	authorID string
	at       time.Time
}

// attribute 对比相邻两个版本的文本。未变的行沿用上一版本的归属，
// 变化的行归给区间内最后一个触及该行的作者。
func attribute(prevText string, prev []Line, cur *crdt.Doc, records []store.UpdateRecord, fb fallback) []Line {
	a := strings.Split(prevText, "\n")
	b := strings.Split(cur.Text(), "\n")
	records = sortRecords(records)
	touched := touchedLines(cur, records, len(b))

	out := make([]Line, len(b))
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		for j := op.J1; j < op.J2; j++ {
			if op.Tag == 'e' {
				i := op.I1 + (j - op.J1)
				if i < len(prev) {
					out[j] = prev[i]
					out[j].Line = j
					continue
				}
			}
			out[j] = fromRecords(j, touched[j], records, fb)
		}
	}
	return out
}

func fromRecords(line int, idx []int, records []store.UpdateRecord, fb fallback) Line {
	if len(idx) == 0 {
		return Line{Line: line, AuthorID: fb.authorID, At: fb.at, Confidence: ConfidenceLow}
	}
	last := records[idx[len(idx)-1]]
	l := Line{
		Line:       line,
		AuthorID:   last.AuthorID,
		AuthorKind: string(last.AuthorKind),
		At:         last.CreatedAt,
		Confidence: ConfidenceHigh,
	}
	for _, i := range idx {
		if records[i].AuthorID != last.AuthorID {
			l.Confidence = ConfidenceLow
			break
		}
	}
	return l
}

// sortRecords 返回按写入顺序排列的副本，事件里的切片被多个监听者共享
func sortRecords(in []store.UpdateRecord) []store.UpdateRecord {
	out := append([]store.UpdateRecord(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SnapshotSeq != out[j].SnapshotSeq {
			return out[i].SnapshotSeq < out[j].SnapshotSeq
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out
}

// touchedLines 每行被哪些记录触及（插入了可见字符或删除了该行内的字符），按记录顺序升序
func touchedLines(cur *crdt.Doc, records []store.UpdateRecord, lines int) [][]int {
	// 删除区间可能覆盖大量没见过的 ID，只对当前文档里的墓碑建索引
	tombstones := make(map[uint64][]uint64)
	cur.Walk(func(id crdt.ID, _ rune, isDeleted bool) {
		if isDeleted {
			tombstones[id.Client] = append(tombstones[id.Client], id.Seq)
		}
	})
	for _, seqs := range tombstones {
		slices.Sort(seqs)
	}

	inserted := make(map[crdt.ID]int)
	deleted := make(map[crdt.ID]int)
	for i, rec := range records {
		u, err := crdt.DecodeUpdate(rec.OperationBytes)
		if err != nil {
			zap.S().Warnw("skip undecodable update in blame",
				"documentId", rec.DocumentID, "snapshotSeq", rec.SnapshotSeq, "sequenceNumber", rec.SequenceNumber, "error", err)
			continue
		}
		u.InsertedIDs(func(id crdt.ID) { inserted[id] = i })
		for _, r := range u.Deletes {
			seqs := tombstones[r.Client]
			k, _ := slices.BinarySearch(seqs, r.Start)
			for ; k < len(seqs) && seqs[k]-r.Start < r.Len; k++ {
				deleted[crdt.ID{Client: r.Client, Seq: seqs[k]}] = i
			}
		}
	}

	sets := make([]map[int]struct{}, lines)
	line := 0
	mark := func(i int) {
		if line >= lines {
			return
		}
		if sets[line] == nil {
			sets[line] = make(map[int]struct{})
		}
		sets[line][i] = struct{}{}
	}
	cur.Walk(func(id crdt.ID, r rune, isDeleted bool) {
		if isDeleted {
			if i, ok := deleted[id]; ok {
				mark(i)
			}
			return
		}
		if i, ok := inserted[id]; ok {
			mark(i)
		}
		if r == '\n' {
			line++
		}
	})

	out := make([][]int, lines)
	for l, set := range sets {
		for i := range set {
			out[l] = append(out[l], i)
		}
		sort.Ints(out[l])
	}
	return out
}
