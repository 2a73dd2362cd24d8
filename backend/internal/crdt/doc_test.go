package crdt

import (
	"math"
	"math/rand"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docSyncServer/backend/internal/ot/delta"
)

func TestConcurrentInsertsConverge(t *testing.T) {
	r1, r2 := New(1), New(2)

	u1, err := r1.Insert(0, "Hello")
	require.NoError(t, err)
	u2, err := r2.Insert(0, "World")
	require.NoError(t, err)

	_, err = r1.ApplyUpdate(u2)
	require.NoError(t, err)
	_, err = r2.ApplyUpdate(u1)
	require.NoError(t, err)

	assert.Equal(t, r1.Text(), r2.Text())
	assert.Equal(t, 1, strings.Count(r1.Text(), "Hello"))
	assert.Equal(t, 1, strings.Count(r1.Text(), "World"))
	assert.Equal(t, 10, r1.Len())
	assert.True(t, r1.StateVector().Equal(r2.StateVector()))
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	src := New(1)
	u, err := src.Insert(0, "abc")
	require.NoError(t, err)

	dst := New(2)
	changed, err := dst.ApplyUpdate(u)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = dst.ApplyUpdate(u)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "abc", dst.Text())

	covered, err := dst.Covers(u)
	require.NoError(t, err)
	assert.True(t, covered)
}

func TestOutOfOrderDeliveryIsHeldPending(t *testing.T) {
	src := New(1)
	first, err := src.Insert(0, "ab")
	require.NoError(t, err)
	second, err := src.Insert(2, "c")
	require.NoError(t, err)
	del, err := src.Delete(0, 1)
	require.NoError(t, err)

	dst := New(2)
	_, err = dst.ApplyUpdate(del)
	require.NoError(t, err)
	_, err = dst.ApplyUpdate(second)
	require.NoError(t, err)
	assert.Equal(t, "", dst.Text())
	assert.True(t, dst.HasPending())

	_, err = dst.ApplyUpdate(first)
	require.NoError(t, err)
	assert.False(t, dst.HasPending())
	assert.Equal(t, "bc", dst.Text())
	assert.Equal(t, src.Text(), dst.Text())
}

func TestRandomEditsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const replicas = 3
	docs := make([]*Doc, replicas)
	var all [][]byte
	origin := make([]int, 0)
	for i := range docs {
		docs[i] = New(uint64(i + 1))
		for k := 0; k < 40; k++ {
			d := docs[i]
			var (
				u   []byte
				err error
			)
			if d.Len() > 0 && rng.Intn(3) == 0 {
				pos := rng.Intn(d.Len())
				u, err = d.Delete(pos, 1+rng.Intn(min(3, d.Len()-pos)))
			} else {
				u, err = d.Insert(rng.Intn(d.Len()+1), string(rune('a'+rng.Intn(26))))
			}
			require.NoError(t, err)
			all = append(all, u)
			origin = append(origin, i)
		}
	}

	for i, d := range docs {
		for _, j := range rng.Perm(len(all)) {
			if origin[j] == i {
				continue
			}
			_, err := d.ApplyUpdate(all[j])
			require.NoError(t, err)
		}
		assert.False(t, d.HasPending())
	}

	want, err := docs[0].EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	for _, d := range docs[1:] {
		assert.Equal(t, docs[0].Text(), d.Text())
		got, err := d.EncodeStateAsUpdate(nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDiffAgainstStateVector(t *testing.T) {
	a := New(1)
	_, err := a.Insert(0, "shared ")
	require.NoError(t, err)

	b := New(2)
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(full)
	require.NoError(t, err)

	_, err = a.Insert(a.Len(), "from a")
	require.NoError(t, err)
	_, err = b.Insert(0, ">> ")
	require.NoError(t, err)

	missingForB, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	missingForA, err := b.EncodeStateAsUpdate(a.EncodeStateVector())
	require.NoError(t, err)

	// a 只需要 b 新增的 3 个字符
	u, err := DecodeUpdate(missingForA)
	require.NoError(t, err)
	n := 0
	u.InsertedIDs(func(ID) { n++ })
	assert.Equal(t, 3, n)

	require.NoError(t, a.ApplyAll(missingForA))
	require.NoError(t, b.ApplyAll(missingForB))
	assert.Equal(t, ">> shared from a", a.Text())
	assert.Equal(t, a.Text(), b.Text())
}

func TestCorruptBytesLeaveDocUntouched(t *testing.T) {
	d := New(1)
	_, err := d.Insert(0, "keep")
	require.NoError(t, err)
	before, err := d.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	for _, b := range [][]byte{
		{},
		{0xff},
		{1, 1, 5},
		append((&Update{}).Encode(), 0x01),
	} {
		_, err := d.ApplyUpdate(b)
		assert.ErrorIs(t, err, ErrCorruptOperation)
	}

	// lamport 没有大于 origin
	bad := (&Update{Spans: []Span{{
		Client: 9, Seq: 1, Lamport: 1,
		Origin: ID{Client: 1, Seq: 4},
		Text:   []rune("x"),
	}}}).Encode()
	_, err = d.ApplyUpdate(bad)
	assert.ErrorIs(t, err, ErrCorruptOperation)

	after, err := d.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "keep", d.Text())
}

func TestApplyDeltaAndBlocks(t *testing.T) {
	d := New(1)
	_, err := d.Insert(0, "title\nbody one\nbody two")
	require.NoError(t, err)
	base, err := d.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	u, err := d.ApplyDelta(delta.Delta{
		{Kind: delta.KindRetain, Count: 6},
		{Kind: delta.KindDelete, Count: 4},
		{Kind: delta.KindInsert, Text: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "title\ntext one\nbody two", d.Text())

	replica := New(2)
	require.NoError(t, replica.ApplyAll(u, base))
	assert.Equal(t, d.Text(), replica.Text())

	blocks := d.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, RootBlockID, blocks[0].ID)
	assert.Equal(t, "title", blocks[0].Text)
	assert.Equal(t, 6, blocks[1].Start)
	assert.Equal(t, "text one", blocks[1].Text)

	nl, ok := d.IDAt(5)
	require.True(t, ok)
	assert.Equal(t, nl.String(), blocks[1].ID)

	pos, ok := d.PositionOf(nl)
	require.True(t, ok)
	assert.Equal(t, 5, pos)

	_, err = d.ApplyDelta(delta.Delta{{Kind: delta.KindRetain, Count: 100}})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestCloneIsIndependent(t *testing.T) {
	d := New(1)
	_, err := d.Insert(0, "base")
	require.NoError(t, err)

	c := d.Clone()
	u, err := c.Insert(4, "!")
	require.NoError(t, err)
	assert.Equal(t, "base", d.Text())
	assert.Equal(t, "base!", c.Text())

	_, err = d.ApplyUpdate(u)
	require.NoError(t, err)
	assert.Equal(t, "base!", d.Text())
	assert.True(t, d.StateVector().Equal(c.StateVector()))
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{3: 7, 1: 2, 9: 0}
	got, err := DecodeStateVector(sv.Encode())
	require.NoError(t, err)
	assert.True(t, sv.Equal(got))
	assert.Equal(t, uint64(5), StateVector{3: 2, 1: 2}.Behind(sv))

	_, err = DecodeStateVector([]byte{5, 1})
	assert.ErrorIs(t, err, ErrCorruptOperation)
}

func TestLargeDeleteRangeForUnknownClient(t *testing.T) {
	u := &Update{}
	for i := uint64(0); i < 4; i++ {
		u.Deletes = append(u.Deletes, DeleteRange{Client: 7, Start: 1 + i*maxDeleteRange, Len: maxDeleteRange})
	}
	b := u.Encode()

	d := New(1)
	_, err := d.Insert(0, "keep")
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	changed, err := d.ApplyUpdate(b)
	runtime.ReadMemStats(&after)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
	assert.Equal(t, "keep", d.Text())
	assert.True(t, d.HasPending())
	require.Len(t, d.deleted[7], 1)

	covered, err := d.Covers(b)
	require.NoError(t, err)
	assert.True(t, covered)

	// 快照里的合并区间必须能被重新解码
	state, err := d.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	restored, err := FromState(2, state)
	require.NoError(t, err)
	assert.Equal(t, "keep", restored.Text())
	assert.True(t, restored.Deleted(ID{Client: 7, Seq: 4 * maxDeleteRange}))

	// 之后到达的项直接按墓碑处理
	late := (&Update{Spans: []Span{{Client: 7, Seq: 2, Lamport: 1, Text: []rune("x")}}}).Encode()
	_, err = d.ApplyUpdate(late)
	require.NoError(t, err)
	assert.Equal(t, "keep", d.Text())
}

func TestDeleteRangeOverflowIsCorrupt(t *testing.T) {
	b := (&Update{Deletes: []DeleteRange{{Client: 3, Start: math.MaxUint64 - 1, Len: 5}}}).Encode()
	_, err := New(1).ApplyUpdate(b)
	assert.ErrorIs(t, err, ErrCorruptOperation)
}

func TestRangeSetMerges(t *testing.T) {
	s := rangeSet{}
	assert.True(t, s.add(DeleteRange{Client: 1, Start: 10, Len: 5}))
	assert.True(t, s.add(DeleteRange{Client: 1, Start: 1, Len: 3}))
	assert.False(t, s.add(DeleteRange{Client: 1, Start: 11, Len: 2}))
	// 与两侧相邻，合成一段
	assert.True(t, s.add(DeleteRange{Client: 1, Start: 4, Len: 6}))
	assert.Equal(t, []DeleteRange{{Client: 1, Start: 1, Len: 14}}, s.ranges())

	assert.True(t, s.contains(ID{Client: 1, Seq: 14}))
	assert.False(t, s.contains(ID{Client: 1, Seq: 15}))
	assert.False(t, s.contains(ID{Client: 2, Seq: 1}))
	assert.True(t, s.covers(DeleteRange{Client: 1, Start: 2, Len: 13}))
	assert.False(t, s.covers(DeleteRange{Client: 1, Start: 2, Len: 14}))
}
