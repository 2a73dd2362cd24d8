package compaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		_ = sqlDB.Close()
	})
	return st
}

type recordingGate struct {
	mu     sync.Mutex
	calls  []string
	onWait func()
}

func (g *recordingGate) Freeze(docID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "freeze:"+docID+":"+reason)
}

func (g *recordingGate) Pause(docID string) {
	g.mu.Lock()
	g.calls = append(g.calls, "pause:"+docID)
	g.mu.Unlock()
	if g.onWait != nil {
		g.onWait()
	}
}

func (g *recordingGate) Resume(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "resume:"+docID)
}

func writeUpdates(t *testing.T, st *store.Store, docID string, n int) *crdt.Doc {
	t.Helper()
	ctx := context.Background()
	cs, err := st.CompactionState(ctx, docID)
	require.NoError(t, err)
	doc := crdt.New(11)
	for i := 0; i < n; i++ {
		u, err := doc.Insert(doc.Len(), "x")
		require.NoError(t, err)
		_, err = st.AppendUpdate(ctx, store.AppendRequest{
			DocumentID: docID, SnapshotSeq: cs.LastSnapshotSeq, Bytes: u, AuthorID: "u1",
		})
		require.NoError(t, err)
	}
	return doc
}

func TestCompactionAfter501Updates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	svc := NewService(st, cache.NewMemoryLocker(), DefaultConfig())
	gate := &recordingGate{}
	svc.SetGate(gate)

	var got []Event
	svc.OnSnapshot(func(_ context.Context, evt Event) { got = append(got, evt) })

	doc := writeUpdates(t, st, "doc-b", 501)
	before, err := st.CompactionState(ctx, "doc-b")
	require.NoError(t, err)
	assert.Equal(t, DecisionSchedule, svc.Decide(before.UpdatesSinceSnapshot, before.BytesSinceSnapshot, before.LastCompactedAt))

	evt, err := svc.CompactIfDue(ctx, "doc-b")
	require.NoError(t, err)
	require.NotNil(t, evt)

	after, err := st.CompactionState(ctx, "doc-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), after.UpdatesSinceSnapshot)
	assert.Equal(t, before.LastSnapshotSeq+1, after.LastSnapshotSeq)
	assert.Equal(t, after.LastSnapshotSeq, evt.SnapshotSeq)

	rest, err := st.LoadUpdatesSince(ctx, "doc-b", 0)
	require.NoError(t, err)
	assert.Empty(t, rest)

	rec, err := st.Reconstruct(ctx, "doc-b", 0)
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), rec.Doc.Text())

	require.Len(t, got, 1)
	assert.Len(t, got[0].Superseded, 501)
	assert.Equal(t, []string{"pause:doc-b", "resume:doc-b"}, gate.calls)

	// 已压缩，不再触发
	evt, err = svc.CompactIfDue(ctx, "doc-b")
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestCompactionPreservesState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	svc := NewService(st, cache.NewMemoryLocker(), DefaultConfig())

	writeUpdates(t, st, "doc-1", 20)
	before, err := st.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	beforeState, err := before.Doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	_, err = svc.Compact(ctx, "doc-1")
	require.NoError(t, err)

	after, err := st.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	afterState, err := after.Doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, beforeState, afterState)
}

func TestCompactionBusyWhenLockHeld(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	locker := cache.NewMemoryLocker()
	cfg := DefaultConfig()
	cfg.LockWait = 30 * time.Millisecond
	svc := NewService(st, locker, cfg)

	writeUpdates(t, st, "doc-1", 3)
	lease, err := locker.Acquire(ctx, "doc-1", time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = svc.Compact(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestLockLostBeforeCommitWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	svc := NewService(st, cache.NewMemoryLockerWithClock(clock), DefaultConfig())
	// 暂停编辑后时钟越过 TTL，模拟压缩期间锁过期
	svc.SetGate(&recordingGate{onWait: func() {
		clockMu.Lock()
		now = now.Add(time.Minute)
		clockMu.Unlock()
	}})

	writeUpdates(t, st, "doc-1", 5)
	_, err := svc.Compact(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrCompactionLockTimeout)

	cs, err := st.CompactionState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cs.LastSnapshotSeq)
	assert.Equal(t, uint64(5), cs.UpdatesSinceSnapshot)
	_, err = st.LoadLatestSnapshot(ctx, "doc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOversizedDocumentIsMarkedReadOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxStateBytes = 16
	svc := NewService(st, cache.NewMemoryLocker(), cfg)
	gate := &recordingGate{}
	svc.SetGate(gate)

	writeUpdates(t, st, "doc-big", 40)
	_, err := svc.Compact(ctx, "doc-big")
	assert.ErrorIs(t, err, store.ErrDocumentTooLarge)

	reason, err := st.ReadOnlyReason(ctx, "doc-big")
	require.NoError(t, err)
	assert.Equal(t, store.ErrDocumentTooLarge.Error(), reason)
	assert.Contains(t, gate.calls, "freeze:doc-big:DOCUMENT_TOO_LARGE")
}

func TestDecideThresholds(t *testing.T) {
	svc := NewService(nil, nil, DefaultConfig())
	now := time.Now()
	svc.now = func() time.Time { return now }

	assert.Equal(t, DecisionNone, svc.Decide(10, 100, now))
	assert.Equal(t, DecisionSchedule, svc.Decide(500, 0, now))
	assert.Equal(t, DecisionSchedule, svc.Decide(1, 5<<20, now))
	assert.Equal(t, DecisionSchedule, svc.Decide(1, 0, now.Add(-25*time.Hour)))
	assert.Equal(t, DecisionNone, svc.Decide(0, 0, now.Add(-25*time.Hour)))
	assert.Equal(t, DecisionInline, svc.Decide(1000, 0, now))
}

func TestScheduleDeduplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	svc := NewService(nil, nil, cfg)

	assert.True(t, svc.Schedule("a"))
	assert.False(t, svc.Schedule("a"))
	assert.True(t, svc.Schedule("b"))
	assert.False(t, svc.Schedule("c")) // 队列满
	assert.Len(t, svc.queue, 2)
}
