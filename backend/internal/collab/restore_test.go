package collab

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/store"
)

func insertAtEnd(text string) EditFunc {
	return func(doc *crdt.Doc) ([]byte, error) {
		return doc.Clone().Insert(doc.Len(), text)
	}
}

func TestRestoreVersion(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), compaction.DefaultConfig())
	ctx := context.Background()

	_, err := env.mgr.Edit(ctx, "doc-1", owner(), insertAtEnd("Hello"))
	require.NoError(t, err)
	v1, err := env.compactor.Snapshot(ctx, "doc-1", compaction.SnapshotOptions{Trigger: store.TriggerManual, Pinned: true})
	require.NoError(t, err)
	require.EqualValues(t, 1, v1.ContentVersion)
	_, before, err := env.store.LoadVersion(ctx, "doc-1", 1)
	require.NoError(t, err)

	_, err = env.mgr.Edit(ctx, "doc-1", owner(), insertAtEnd(" world"))
	require.NoError(t, err)
	v2, err := env.compactor.Snapshot(ctx, "doc-1", compaction.SnapshotOptions{Trigger: store.TriggerManual, Pinned: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, v2.ContentVersion)

	// 已连接的副本应收到恢复产生的编辑
	s := join(t, env, editor("bob"))

	res, err := env.mgr.RestoreVersion(ctx, "doc-1", 1, owner())
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.BackupVersion)
	assert.EqualValues(t, 4, res.RestoredVersion)

	text, err := env.mgr.PlainText(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, MsgUpdate, next(t, s).Kind)

	backup, err := env.store.GetVersion(ctx, "doc-1", 3)
	require.NoError(t, err)
	assert.True(t, backup.Hidden)
	assert.Equal(t, store.TriggerRestoreBackup, backup.Trigger)
	_, snap, err := env.store.LoadVersion(ctx, "doc-1", 3)
	require.NoError(t, err)
	backupDoc, err := crdt.FromState(0, snap.State)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", backupDoc.Text())

	restored, err := env.store.GetVersion(ctx, "doc-1", 4)
	require.NoError(t, err)
	assert.True(t, restored.Pinned)
	assert.Equal(t, "restored from v1", restored.Label)

	_, after, err := env.store.LoadVersion(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)

	visible, err := env.store.ListVersions(ctx, "doc-1", store.ListVersionsOptions{})
	require.NoError(t, err)
	assert.Len(t, visible, 3)

	logs, err := env.store.ListAudit(ctx, "doc-1", store.AuditSnapshotRestored, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].ActorID)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &meta))
	assert.EqualValues(t, 1, meta["targetVersion"])
	assert.EqualValues(t, 3, meta["backupVersion"])
	assert.EqualValues(t, 4, meta["restoredVersion"])
}

func TestRestoreRequiresEditor(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), compaction.DefaultConfig())
	viewer := editor("carol")
	viewer.Role = "viewer"
	_, err := env.mgr.RestoreVersion(context.Background(), "doc-1", 1, viewer)
	assert.Error(t, err)
}
