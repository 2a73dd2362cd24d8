package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docSyncServer/backend/internal/crdt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))

	s, err := New(db, WithRetryPolicy(RetryPolicy{MaxRetry: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		_ = sqlDB.Close()
	})
	return s
}

// appendEdits 在 doc 末尾逐条追加文本并写入当前周期
func appendEdits(t *testing.T, s *Store, docID string, seq uint64, doc *crdt.Doc, author string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, txt := range texts {
		u, err := doc.Insert(doc.Len(), txt)
		require.NoError(t, err)
		_, err = s.AppendUpdate(ctx, AppendRequest{
			DocumentID: docID, SnapshotSeq: seq, Bytes: u, AuthorID: author, AuthorKind: AuthorHuman,
		})
		require.NoError(t, err)
	}
}

func fullState(t *testing.T, d *crdt.Doc) []byte {
	t.Helper()
	b, err := d.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	return b
}

func snapshotNow(t *testing.T, s *Store, docID string, trigger VersionTrigger) *WriteSnapshotResult {
	t.Helper()
	ctx := context.Background()
	rec, err := s.Reconstruct(ctx, docID, 0)
	require.NoError(t, err)
	res, err := s.WriteSnapshot(ctx, WriteSnapshotRequest{
		DocumentID:      docID,
		State:           fullState(t, rec.Doc),
		StateVector:     rec.Doc.EncodeStateVector(),
		ExpectedSeq:     rec.SnapshotSeq,
		ExpectedUpdates: rec.Updates,
		Trigger:         trigger,
	})
	require.NoError(t, err)
	return res
}

func TestReconstructEmptyDocument(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Reconstruct(context.Background(), "doc-empty", 0)
	require.NoError(t, err)
	assert.Equal(t, "", rec.Doc.Text())
	assert.Equal(t, uint64(0), rec.SnapshotSeq)
	assert.Equal(t, uint64(0), rec.Updates)
}

func TestReconstructIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "hello", " ", "world")

	first, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	second, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)

	assert.Equal(t, "hello world", first.Doc.Text())
	assert.Equal(t, fullState(t, first.Doc), fullState(t, second.Doc))
	assert.Equal(t, uint64(3), first.Updates)

	st, err := s.CompactionState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.UpdatesSinceSnapshot)
	assert.Equal(t, first.Bytes, st.BytesSinceSnapshot)
}

func TestWriteSnapshotSupersedesCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "a", "b", "c")

	before, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)

	res := snapshotNow(t, s, "doc-1", TriggerAuto)
	assert.Equal(t, uint64(1), res.SnapshotSeq)
	assert.Equal(t, uint64(1), res.ContentVersion)
	assert.Len(t, res.Superseded, 3)
	assert.Equal(t, uint64(3), res.Version.CycleUpdates)

	st, err := s.CompactionState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.UpdatesSinceSnapshot)
	assert.Equal(t, uint64(0), st.BytesSinceSnapshot)
	assert.Equal(t, uint64(1), st.LastSnapshotSeq)

	var left int64
	require.NoError(t, s.DB().Model(&UpdateRecord{}).Where("document_id = ? AND snapshot_seq = ?", "doc-1", 0).Count(&left).Error)
	assert.Zero(t, left)

	after, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, fullState(t, before.Doc), fullState(t, after.Doc))

	// 旧周期的写入被拒绝
	u, err := doc.Insert(doc.Len(), "d")
	require.NoError(t, err)
	_, err = s.AppendUpdate(ctx, AppendRequest{DocumentID: "doc-1", SnapshotSeq: 0, Bytes: u, AuthorID: "u1"})
	assert.ErrorIs(t, err, ErrStaleSnapshotCycle)

	rec, err := s.AppendUpdate(ctx, AppendRequest{DocumentID: "doc-1", SnapshotSeq: 1, Bytes: u, AuthorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.SequenceNumber)
	assert.Equal(t, AuthorHuman, rec.AuthorKind)
}

func TestWriteSnapshotRejectsStaleMaterialization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "a")

	rec, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "b")

	_, err = s.WriteSnapshot(ctx, WriteSnapshotRequest{
		DocumentID:      "doc-1",
		State:           fullState(t, rec.Doc),
		StateVector:     rec.Doc.EncodeStateVector(),
		ExpectedSeq:     rec.SnapshotSeq,
		ExpectedUpdates: rec.Updates,
	})
	assert.ErrorIs(t, err, ErrStaleSnapshotCycle)
}

func TestWriteSnapshotFenceAbortsTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "a")

	lost := errors.New("lock lost")
	rec, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	_, err = s.WriteSnapshot(ctx, WriteSnapshotRequest{
		DocumentID:      "doc-1",
		State:           fullState(t, rec.Doc),
		StateVector:     rec.Doc.EncodeStateVector(),
		ExpectedUpdates: rec.Updates,
		Fence:           func() error { return lost },
	})
	assert.ErrorIs(t, err, lost)

	_, err = s.LoadLatestSnapshot(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := s.CompactionState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.UpdatesSinceSnapshot)
}

func TestCorruptSnapshotFallsBackWhenCycleRetained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "one")
	snapshotNow(t, s, "doc-1", TriggerAuto)
	// 空周期上的手动快照：回退到 1 时不需要任何被删除的 update
	snapshotNow(t, s, "doc-1", TriggerManual)
	appendEdits(t, s, "doc-1", 2, doc, "u1", " two")

	require.NoError(t, s.DB().Model(&Snapshot{}).
		Where("document_id = ? AND snapshot_seq = ?", "doc-1", 2).
		Update("compressed_state", []byte("garbage")).Error)

	rec, err := s.Reconstruct(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.True(t, rec.FromFallback)
	assert.Equal(t, "one two", rec.Doc.Text())
	assert.Equal(t, uint64(2), rec.SnapshotSeq)
}

func TestCorruptSnapshotWithoutRetainedUpdatesIsUnrecoverable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	appendEdits(t, s, "doc-1", 0, doc, "u1", "one")
	snapshotNow(t, s, "doc-1", TriggerAuto)

	require.NoError(t, s.DB().Model(&Snapshot{}).
		Where("document_id = ? AND snapshot_seq = ?", "doc-1", 1).
		Update("compressed_state", []byte("garbage")).Error)

	_, err := s.Reconstruct(ctx, "doc-1", 0)
	assert.ErrorIs(t, err, ErrDocumentUnrecoverable)

	reason, err := s.ReadOnlyReason(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, ErrDocumentUnrecoverable.Error(), reason)
}

func TestRetentionArchivesAndPruneKeepsPinned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := crdt.New(7)
	for i := 0; i < 5; i++ {
		st, err := s.CompactionState(ctx, "doc-1")
		require.NoError(t, err)
		appendEdits(t, s, "doc-1", st.LastSnapshotSeq, doc, "u1", "x")
		snapshotNow(t, s, "doc-1", TriggerAuto)
	}
	require.NoError(t, s.SetPinned(ctx, "doc-1", 1, true))

	n, err := s.ArchiveBeyondRetention(ctx, "doc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n) // v2, v3；v1 已固定

	visible, err := s.ListVersions(ctx, "doc-1", ListVersionsOptions{})
	require.NoError(t, err)
	require.Len(t, visible, 3)
	assert.Equal(t, []uint64{1, 4, 5}, []uint64{visible[0].ContentVersion, visible[1].ContentVersion, visible[2].ContentVersion})

	pruned, err := s.PruneArchived(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, _, err = s.LoadVersion(ctx, "doc-1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, snap, err := s.LoadVersion(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.State)
}

func TestUpdateTitleUsesMetaVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, &Document{ID: "doc-1", Title: "draft", OwnerID: "1"}))

	meta, err := s.UpdateTitle(ctx, "doc-1", "final", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta)

	_, err = s.UpdateTitle(ctx, "doc-1", "again", 1)
	assert.ErrorIs(t, err, ErrMetaVersionConflict)

	_, err = s.UpdateTitle(ctx, "missing", "x", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCodecUsesFixedLevel(t *testing.T) {
	c, err := NewCodec()
	require.NoError(t, err)
	defer c.Close()

	in := []byte("the same line repeated\nthe same line repeated\nthe same line repeated\n")
	out := c.Compress(in)
	assert.Less(t, len(out), len(in))
	back, err := c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, in, back)

	_, err = c.Decompress([]byte("not zstd"))
	assert.Error(t, err)
}

func TestUseLinkStopsAtMaxUses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limit := 3
	l := &ShareLink{DocumentID: "doc-1", TokenHash: "h1", Role: "viewer", MaxUses: &limit}
	require.NoError(t, s.CreateLink(ctx, l))

	// 并发使用也不会超过上限
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UseLink(ctx, l.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrLinkExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 5, exhausted)

	got, err := s.FindLinkByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsesCount)

	free := &ShareLink{DocumentID: "doc-1", TokenHash: "h2", Role: "viewer"}
	require.NoError(t, s.CreateLink(ctx, free))
	for i := 1; i <= 4; i++ {
		n, err := s.UseLink(ctx, free.ID)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestAuditFiltersByAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendAudit(ctx, "doc-1", "alice", AuditLinkCreated, map[string]any{"linkId": 1}))
	require.NoError(t, s.AppendAudit(ctx, "doc-1", "alice", AuditRoleChanged, nil))
	require.NoError(t, s.AppendAudit(ctx, "doc-2", "bob", AuditLinkCreated, nil))

	all, err := s.ListAudit(ctx, "doc-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	links, err := s.ListAudit(ctx, "doc-1", AuditLinkCreated, 10)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.JSONEq(t, `{"linkId":1}`, string(links[0].Metadata))

	roles, err := s.ListAudit(ctx, "doc-1", AuditRoleChanged, 10)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Empty(t, roles[0].Metadata)
}
