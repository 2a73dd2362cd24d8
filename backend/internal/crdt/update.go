package crdt

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrCorruptOperation = errors.New("CORRUPT_OPERATION")

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorruptOperation, err)
}

const (
	updateFormatVersion = 1
	maxDeleteRange      = 1 << 24
)

// Span 是同一副本连续输入的一段字符：
// 第 i 个字符 ID = (Client, Seq+i)，lamport = Lamport+i，
// 第 0 个字符的左邻为 Origin，其余字符的左邻是前一个字符。
type Span struct {
	Client  uint64
	Seq     uint64
	Lamport uint64
	Origin  ID
	Text    []rune
}

func (s Span) idAt(i int) ID { return ID{Client: s.Client, Seq: s.Seq + uint64(i)} }

func (s Span) originAt(i int) ID {
	if i == 0 {
		return s.Origin
	}
	return s.idAt(i - 1)
}

// DeleteRange 表示 client 的 [Start, Start+Len) 被删除
type DeleteRange struct {
	Client uint64
	Start  uint64
	Len    uint64
}

// Update 是一批操作，也是快照的内容（全量状态 = 对空状态的 diff）
type Update struct {
	Spans   []Span
	Deletes []DeleteRange
}

func (u *Update) Empty() bool { return len(u.Spans) == 0 && len(u.Deletes) == 0 }

// InsertedIDs 依次回调本批插入的每个字符
func (u *Update) InsertedIDs(fn func(id ID)) {
	for _, s := range u.Spans {
		for i := range s.Text {
			fn(s.idAt(i))
		}
	}
}

// InsertedText 每个 span 的文本，用于摘要
func (u *Update) InsertedText() []string {
	out := make([]string, 0, len(u.Spans))
	for _, s := range u.Spans {
		out = append(out, string(s.Text))
	}
	return out
}

func (u *Update) Encode() []byte {
	b := protowire.AppendVarint(nil, updateFormatVersion)
	b = protowire.AppendVarint(b, uint64(len(u.Spans)))
	for _, s := range u.Spans {
		b = protowire.AppendVarint(b, s.Client)
		b = protowire.AppendVarint(b, s.Seq)
		b = protowire.AppendVarint(b, s.Lamport)
		b = protowire.AppendVarint(b, s.Origin.Client)
		b = protowire.AppendVarint(b, s.Origin.Seq)
		b = protowire.AppendBytes(b, []byte(string(s.Text)))
	}
	deletes := splitRanges(u.Deletes)
	b = protowire.AppendVarint(b, uint64(len(deletes)))
	for _, d := range deletes {
		b = protowire.AppendVarint(b, d.Client)
		b = protowire.AppendVarint(b, d.Start)
		b = protowire.AppendVarint(b, d.Len)
	}
	return b
}

// DecodeUpdate 只做语法校验，语义校验在 Doc.ApplyUpdate 中
func DecodeUpdate(b []byte) (*Update, error) {
	if len(b) == 0 {
		return nil, corrupt(errors.New("empty update"))
	}
	r := reader{buf: b}
	ver, err := r.varint()
	if err != nil {
		return nil, corrupt(err)
	}
	if ver != updateFormatVersion {
		return nil, corrupt(fmt.Errorf("unknown update format %d", ver))
	}
	n, err := r.varint()
	if err != nil {
		return nil, corrupt(err)
	}
	if n > uint64(len(b)) {
		return nil, corrupt(errors.New("span count out of range"))
	}
	u := &Update{Spans: make([]Span, 0, n)}
	for i := uint64(0); i < n; i++ {
		var s Span
		fields := []*uint64{&s.Client, &s.Seq, &s.Lamport, &s.Origin.Client, &s.Origin.Seq}
		for _, f := range fields {
			if *f, err = r.varint(); err != nil {
				return nil, corrupt(err)
			}
		}
		text, err := r.bytes()
		if err != nil {
			return nil, corrupt(err)
		}
		if !utf8.Valid(text) {
			return nil, corrupt(errors.New("span text is not utf-8"))
		}
		s.Text = []rune(string(text))
		if s.Client == 0 || s.Seq == 0 || s.Lamport == 0 || len(s.Text) == 0 {
			return nil, corrupt(fmt.Errorf("invalid span %d", i))
		}
		if (s.Origin.Client == 0) != (s.Origin.Seq == 0) {
			return nil, corrupt(fmt.Errorf("invalid origin in span %d", i))
		}
		u.Spans = append(u.Spans, s)
	}
	m, err := r.varint()
	if err != nil {
		return nil, corrupt(err)
	}
	if m > uint64(len(b)) {
		return nil, corrupt(errors.New("delete count out of range"))
	}
	u.Deletes = make([]DeleteRange, 0, m)
	for i := uint64(0); i < m; i++ {
		var d DeleteRange
		if d.Client, err = r.varint(); err != nil {
			return nil, corrupt(err)
		}
		if d.Start, err = r.varint(); err != nil {
			return nil, corrupt(err)
		}
		if d.Len, err = r.varint(); err != nil {
			return nil, corrupt(err)
		}
		if d.Client == 0 || d.Start == 0 || d.Len == 0 || d.Len > maxDeleteRange || d.Start > math.MaxUint64-d.Len {
			return nil, corrupt(fmt.Errorf("invalid delete range %d", i))
		}
		u.Deletes = append(u.Deletes, d)
	}
	if !r.done() {
		return nil, corrupt(errors.New("trailing bytes in update"))
	}
	return u, nil
}

// MergeUpdates 把多批操作合成一批；重复内容由 ApplyUpdate 的幂等性吸收
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	merged := &Update{}
	for _, b := range updates {
		u, err := DecodeUpdate(b)
		if err != nil {
			return nil, err
		}
		merged.Spans = append(merged.Spans, u.Spans...)
		merged.Deletes = append(merged.Deletes, u.Deletes...)
	}
	merged.Deletes = compactRanges(merged.Deletes)
	return merged.Encode(), nil
}

// splitRanges 合并后的区间可能超过单条上限，编码时切开
func splitRanges(in []DeleteRange) []DeleteRange {
	if !slices.ContainsFunc(in, func(r DeleteRange) bool { return r.Len > maxDeleteRange }) {
		return in
	}
	out := make([]DeleteRange, 0, len(in)+1)
	for _, r := range in {
		for r.Len > maxDeleteRange {
			out = append(out, DeleteRange{Client: r.Client, Start: r.Start, Len: maxDeleteRange})
			r.Start += maxDeleteRange
			r.Len -= maxDeleteRange
		}
		out = append(out, r)
	}
	return out
}

// compactRanges 排序并合并相邻/重叠的删除区间
func compactRanges(in []DeleteRange) []DeleteRange {
	if len(in) < 2 {
		return in
	}
	rs := append([]DeleteRange(nil), in...)
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Client != rs[j].Client {
			return rs[i].Client < rs[j].Client
		}
		return rs[i].Start < rs[j].Start
	})
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Client == last.Client && r.Start <= last.Start+last.Len {
			if end := r.Start + r.Len; end > last.Start+last.Len {
				last.Len = end - last.Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func rangesFromIDs(ids []ID) []DeleteRange {
	rs := make([]DeleteRange, 0, len(ids))
	for _, id := range ids {
		rs = append(rs, DeleteRange{Client: id.Client, Start: id.Seq, Len: 1})
	}
	return compactRanges(rs)
}
