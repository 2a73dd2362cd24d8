package crdt

import "sort"

// interval 是半开区间 [start, end)
type interval struct {
	start, end uint64
}

// rangeSet 按副本保存删除集，每个副本内的区间有序且互不相邻。
// 内存只和区间个数有关，与区间长度无关。
type rangeSet map[uint64][]interval

func (s rangeSet) clone() rangeSet {
	out := make(rangeSet, len(s))
	for c, ivs := range s {
		out[c] = append([]interval(nil), ivs...)
	}
	return out
}

// search 返回第一个 end > q 的区间下标
func search(ivs []interval, q uint64) int {
	return sort.Search(len(ivs), func(i int) bool { return ivs[i].end > q })
}

func (s rangeSet) contains(id ID) bool {
	ivs := s[id.Client]
	i := search(ivs, id.Seq)
	return i < len(ivs) && ivs[i].start <= id.Seq
}

// covers 表示 r 整段都已在集合中
func (s rangeSet) covers(r DeleteRange) bool {
	ivs := s[r.Client]
	i := search(ivs, r.Start)
	return i < len(ivs) && ivs[i].start <= r.Start && ivs[i].end >= r.Start+r.Len
}

// add 合并 r，返回集合是否变化
func (s rangeSet) add(r DeleteRange) bool {
	if r.Len == 0 || s.covers(r) {
		return false
	}
	ivs := s[r.Client]
	nv := interval{start: r.Start, end: r.Start + r.Len}
	// 第一个可能与 nv 重叠或相邻的区间
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].end >= nv.start })
	j := i
	for j < len(ivs) && ivs[j].start <= nv.end {
		nv.start = min(nv.start, ivs[j].start)
		nv.end = max(nv.end, ivs[j].end)
		j++
	}
	out := make([]interval, 0, len(ivs)-(j-i)+1)
	out = append(out, ivs[:i]...)
	out = append(out, nv)
	out = append(out, ivs[j:]...)
	s[r.Client] = out
	return true
}

// ranges 按 (client, start) 排序输出
func (s rangeSet) ranges() []DeleteRange {
	clients := make([]uint64, 0, len(s))
	for c := range s {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	var out []DeleteRange
	for _, c := range clients {
		for _, iv := range s[c] {
			out = append(out, DeleteRange{Client: c, Start: iv.start, Len: iv.end - iv.start})
		}
	}
	return out
}
