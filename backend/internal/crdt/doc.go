package crdt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"docSyncServer/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("position out of range")

type item struct {
	id      ID
	lamport uint64
	origin  ID
	r       rune
	deleted bool
}

// before 为 true 表示 a 在同一 origin 下排在 b 前面：时间戳大的优先
func (a *item) before(b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	if a.id.Client != b.id.Client {
		return a.id.Client > b.id.Client
	}
	return a.id.Seq > b.id.Seq
}

// Doc 是一个纯内存的序列 CRDT（RGA）。不是并发安全的，调用方负责单写者。
type Doc struct {
	client  uint64
	items   []*item
	index   map[ID]*item
	visible int
	lamport uint64
	last    int

	sv    StateVector
	ahead map[uint64]map[uint64]struct{}

	// deleted 是完整删除集，包括还没收到的项
	deleted      rangeSet
	pendingItems []*item
}

// New client 为 0 时随机生成本地副本号
func New(client uint64) *Doc {
	if client == 0 {
		client = rand.Uint64()>>11 | 1
	}
	return &Doc{
		client:  client,
		index:   make(map[ID]*item),
		sv:      StateVector{},
		ahead:   make(map[uint64]map[uint64]struct{}),
		deleted: rangeSet{},
		last:    -1,
	}
}

func (d *Doc) Client() uint64 { return d.client }

func (d *Doc) Len() int { return d.visible }

func (d *Doc) Text() string {
	var sb strings.Builder
	sb.Grow(d.visible)
	for _, it := range d.items {
		if !it.deleted {
			sb.WriteRune(it.r)
		}
	}
	return sb.String()
}

func (d *Doc) StateVector() StateVector { return d.sv.Clone() }

func (d *Doc) EncodeStateVector() []byte { return d.sv.Encode() }

// HasPending 表示仍有因果依赖未到达的操作
func (d *Doc) HasPending() bool {
	if len(d.pendingItems) > 0 {
		return true
	}
	for c, ivs := range d.deleted {
		for _, iv := range ivs {
			if !d.seenAll(c, iv) {
				return true
			}
		}
	}
	return false
}

// seenAll 表示 client 在 iv 内的每个 seq 都已收到
func (d *Doc) seenAll(client uint64, iv interval) bool {
	contiguous := d.sv[client]
	if iv.end-1 <= contiguous {
		return true
	}
	from := max(iv.start, contiguous+1)
	n := uint64(0)
	for q := range d.ahead[client] {
		if q >= from && q < iv.end {
			n++
		}
	}
	return n == iv.end-from
}

func (d *Doc) Clone() *Doc {
	c := New(d.client)
	c.lamport = d.lamport
	c.visible = d.visible
	c.last = d.last
	c.items = make([]*item, len(d.items))
	for i, it := range d.items {
		cp := *it
		c.items[i] = &cp
		c.index[cp.id] = &cp
	}
	for _, it := range d.pendingItems {
		cp := *it
		c.pendingItems = append(c.pendingItems, &cp)
	}
	c.sv = d.sv.Clone()
	for client, set := range d.ahead {
		m := make(map[uint64]struct{}, len(set))
		for q := range set {
			m[q] = struct{}{}
		}
		c.ahead[client] = m
	}
	c.deleted = d.deleted.clone()
	return c
}

// ApplyUpdate 合并一批远端操作。重复应用无副作用；changed 表示状态是否变化。
// 语义校验失败时文档不被修改。
func (d *Doc) ApplyUpdate(b []byte) (bool, error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return false, err
	}
	return d.apply(u)
}

func (d *Doc) apply(u *Update) (bool, error) {
	if err := d.validate(u); err != nil {
		return false, err
	}
	changed := false
	for _, s := range u.Spans {
		for i, r := range s.Text {
			id := s.idAt(i)
			if d.known(id) {
				continue
			}
			it := &item{id: id, lamport: s.Lamport + uint64(i), origin: s.originAt(i), r: r}
			changed = true
			if !d.integrate(it) {
				d.pendingItems = append(d.pendingItems, it)
			}
		}
	}
	for _, r := range u.Deletes {
		if d.deleted.add(r) {
			changed = true
			d.markRange(r)
		}
	}
	if changed {
		d.flushPending()
	}
	return changed, nil
}

// validate 检查 lamport 沿 origin 链严格递增
func (d *Doc) validate(u *Update) error {
	local := make(map[ID]uint64)
	for i, s := range u.Spans {
		if !s.Origin.IsRoot() {
			if s.Origin.Client == s.Client && s.Origin.Seq >= s.Seq {
				return corrupt(fmt.Errorf("span %d references a later item of its own client", i))
			}
			originLamport, ok := local[s.Origin]
			if o, found := d.index[s.Origin]; found {
				originLamport, ok = o.lamport, true
			}
			if ok && s.Lamport <= originLamport {
				return corrupt(fmt.Errorf("span %d lamport %d not after origin %s", i, s.Lamport, s.Origin))
			}
		}
		for j := range s.Text {
			local[s.idAt(j)] = s.Lamport + uint64(j)
		}
	}
	return nil
}

func (d *Doc) known(id ID) bool {
	if _, ok := d.index[id]; ok {
		return true
	}
	for _, p := range d.pendingItems {
		if p.id == id {
			return true
		}
	}
	return false
}

// integrate 把 it 放到 origin 之后，跳过所有排在它前面的项（及其后代）。
// origin 未到达时返回 false。
func (d *Doc) integrate(it *item) bool {
	pos := 0
	if !it.origin.IsRoot() {
		o, ok := d.index[it.origin]
		if !ok {
			return false
		}
		if it.lamport <= o.lamport {
			// 延迟到达的非法项，丢弃
			return true
		}
		pos = d.indexOf(o) + 1
	}
	for pos < len(d.items) && d.items[pos].before(it) {
		pos++
	}
	d.items = slices.Insert(d.items, pos, it)
	d.index[it.id] = it
	d.last = pos
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
	if d.deleted.contains(it.id) {
		it.deleted = true
	} else {
		d.visible++
	}
	d.markSeen(it.id)
	return true
}

// indexOf 从上次插入点附近开始找，顺序加载时几乎是 O(1)
func (d *Doc) indexOf(target *item) int {
	if d.last >= 0 && d.last < len(d.items) {
		for i := d.last; i >= 0; i-- {
			if d.items[i] == target {
				return i
			}
		}
		for i := d.last + 1; i < len(d.items); i++ {
			if d.items[i] == target {
				return i
			}
		}
		return -1
	}
	return slices.Index(d.items, target)
}

func (d *Doc) markDeleted(id ID) {
	it, ok := d.index[id]
	if !ok || it.deleted {
		return
	}
	it.deleted = true
	d.visible--
}

// markRange 只遍历 r 内已收到的项，未收到的在 integrate 时按删除集处理
func (d *Doc) markRange(r DeleteRange) {
	end := r.Start + r.Len
	if last := min(end-1, d.sv[r.Client]); last >= r.Start {
		for q := r.Start; q <= last; q++ {
			d.markDeleted(ID{Client: r.Client, Seq: q})
		}
	}
	for q := range d.ahead[r.Client] {
		if q >= r.Start && q < end {
			d.markDeleted(ID{Client: r.Client, Seq: q})
		}
	}
}

func (d *Doc) markSeen(id ID) {
	next := d.sv[id.Client] + 1
	if id.Seq != next {
		set := d.ahead[id.Client]
		if set == nil {
			set = make(map[uint64]struct{})
			d.ahead[id.Client] = set
		}
		set[id.Seq] = struct{}{}
		return
	}
	d.sv[id.Client] = next
	set := d.ahead[id.Client]
	for {
		if _, ok := set[d.sv[id.Client]+1]; !ok {
			break
		}
		delete(set, d.sv[id.Client]+1)
		d.sv[id.Client]++
	}
	if len(set) == 0 {
		delete(d.ahead, id.Client)
	}
}

// flushPending 反复尝试挂起项直到没有进展
func (d *Doc) flushPending() {
	for progress := true; progress && len(d.pendingItems) > 0; {
		progress = false
		rest := d.pendingItems[:0]
		for _, it := range d.pendingItems {
			if d.integrate(it) {
				progress = true
				continue
			}
			rest = append(rest, it)
		}
		d.pendingItems = rest
	}
}

// Covers 表示 update 中没有本文档未知的内容
func (d *Doc) Covers(b []byte) (bool, error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return false, err
	}
	return d.covers(u), nil
}

// Check 解码并做语义校验，不修改文档。持久化之前先调用。
func (d *Doc) Check(b []byte) (covered bool, err error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return false, err
	}
	if err := d.validate(u); err != nil {
		return false, err
	}
	return d.covers(u), nil
}

func (d *Doc) covers(u *Update) bool {
	covered := true
	u.InsertedIDs(func(id ID) {
		if covered && !d.known(id) {
			covered = false
		}
	})
	for _, r := range u.Deletes {
		if !covered {
			break
		}
		covered = d.deleted.covers(r)
	}
	return covered
}

// EncodeStateAsUpdate 返回观察者（状态向量 svBytes）缺少的插入，外加完整删除集。
// svBytes 为空时得到全量状态。
func (d *Doc) EncodeStateAsUpdate(svBytes []byte) ([]byte, error) {
	sv, err := DecodeStateVector(svBytes)
	if err != nil {
		return nil, err
	}
	return d.diff(sv).Encode(), nil
}

func (d *Doc) diff(sv StateVector) *Update {
	u := &Update{}
	appendItem := func(it *item) {
		if it.id.Seq <= sv.Get(it.id.Client) {
			return
		}
		if n := len(u.Spans); n > 0 {
			s := &u.Spans[n-1]
			k := len(s.Text)
			if s.Client == it.id.Client && s.Seq+uint64(k) == it.id.Seq &&
				s.Lamport+uint64(k) == it.lamport && s.idAt(k-1) == it.origin {
				s.Text = append(s.Text, it.r)
				return
			}
		}
		u.Spans = append(u.Spans, Span{
			Client:  it.id.Client,
			Seq:     it.id.Seq,
			Lamport: it.lamport,
			Origin:  it.origin,
			Text:    []rune{it.r},
		})
	}
	for _, it := range d.items {
		appendItem(it)
	}
	for _, it := range d.pendingItems {
		appendItem(it)
	}
	u.Deletes = d.deleted.ranges()
	return u
}

// Insert 在可见位置 pos 插入 text，返回产生的 update
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	u := &Update{}
	if err := d.insertAt(u, pos, text); err != nil {
		return nil, err
	}
	return u.Encode(), nil
}

func (d *Doc) Delete(pos, n int) ([]byte, error) {
	u := &Update{}
	if err := d.deleteAt(u, pos, n); err != nil {
		return nil, err
	}
	return u.Encode(), nil
}

// ApplyDelta 把 retain/insert/delete 序列作为一次本地编辑应用
func (d *Doc) ApplyDelta(dl delta.Delta) ([]byte, error) {
	u := &Update{}
	pos := 0
	for _, op := range dl {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 || pos+op.Count > d.visible {
				return nil, fmt.Errorf("retain %d at %d: %w", op.Count, pos, ErrOutOfRange)
			}
			pos += op.Count
		case delta.KindInsert:
			if err := d.insertAt(u, pos, op.Text); err != nil {
				return nil, err
			}
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			if err := d.deleteAt(u, pos, op.Count); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown delta op %q", op.Kind)
		}
	}
	u.Deletes = compactRanges(u.Deletes)
	return u.Encode(), nil
}

func (d *Doc) insertAt(u *Update, pos int, text string) error {
	if pos < 0 || pos > d.visible {
		return fmt.Errorf("insert at %d of %d: %w", pos, d.visible, ErrOutOfRange)
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	origin := rootID
	if pos > 0 {
		origin = d.visibleAt(pos - 1).id
	}
	s := Span{
		Client:  d.client,
		Seq:     d.sv[d.client] + 1,
		Lamport: d.lamport + 1,
		Origin:  origin,
		Text:    runes,
	}
	for i, r := range runes {
		d.integrate(&item{id: s.idAt(i), lamport: s.Lamport + uint64(i), origin: s.originAt(i), r: r})
	}
	u.Spans = append(u.Spans, s)
	return nil
}

func (d *Doc) deleteAt(u *Update, pos, n int) error {
	if n < 0 || pos < 0 || pos+n > d.visible {
		return fmt.Errorf("delete %d at %d of %d: %w", n, pos, d.visible, ErrOutOfRange)
	}
	ids := make([]ID, 0, n)
	seen := 0
	for _, it := range d.items {
		if len(ids) == n {
			break
		}
		if it.deleted {
			continue
		}
		if seen >= pos {
			ids = append(ids, it.id)
		}
		seen++
	}
	rs := rangesFromIDs(ids)
	for _, r := range rs {
		d.deleted.add(r)
	}
	for _, id := range ids {
		d.markDeleted(id)
	}
	u.Deletes = append(u.Deletes, rs...)
	return nil
}

func (d *Doc) visibleAt(pos int) *item {
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == pos {
			return it
		}
		seen++
	}
	return nil
}

// IDAt 返回可见位置 pos 上字符的 ID
func (d *Doc) IDAt(pos int) (ID, bool) {
	if pos < 0 || pos >= d.visible {
		return ID{}, false
	}
	return d.visibleAt(pos).id, true
}

// PositionOf 返回 id 的可见位置；已删除的项返回它原本所在的位置
func (d *Doc) PositionOf(id ID) (int, bool) {
	if id.IsRoot() {
		return 0, true
	}
	if _, ok := d.index[id]; !ok {
		return 0, false
	}
	pos := 0
	for _, it := range d.items {
		if it.id == id {
			return pos, true
		}
		if !it.deleted {
			pos++
		}
	}
	return 0, false
}

// Deleted 表示 id 是否已被删除
func (d *Doc) Deleted(id ID) bool {
	return d.deleted.contains(id)
}

// Walk 按文档顺序遍历所有项（含墓碑）
func (d *Doc) Walk(fn func(id ID, r rune, deleted bool)) {
	for _, it := range d.items {
		fn(it.id, it.r, it.deleted)
	}
}

// Block 是以换行分隔的段落。ID 稳定：第一段为 "root"，其余为其前一个换行符的字符 ID。
type Block struct {
	ID    string
	Start int
	Text  string
}

const RootBlockID = "root"

func (d *Doc) Blocks() []Block {
	blocks := []Block{{ID: RootBlockID}}
	var sb strings.Builder
	pos := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		pos++
		if it.r == '\n' {
			blocks[len(blocks)-1].Text = sb.String()
			sb.Reset()
			blocks = append(blocks, Block{ID: it.id.String(), Start: pos})
			continue
		}
		sb.WriteRune(it.r)
	}
	blocks[len(blocks)-1].Text = sb.String()
	return blocks
}

// ApplyAll 按顺序应用多批 update，遇到错误即停止
func (d *Doc) ApplyAll(updates ...[]byte) error {
	for i, b := range updates {
		if _, err := d.ApplyUpdate(b); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
	}
	return nil
}

// FromState 由全量状态构造文档
func FromState(client uint64, state []byte) (*Doc, error) {
	d := New(client)
	if len(state) == 0 {
		return d, nil
	}
	if _, err := d.ApplyUpdate(state); err != nil {
		return nil, err
	}
	return d, nil
}
