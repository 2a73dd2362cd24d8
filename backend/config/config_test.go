package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileWithEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
running:
  port: 9000
compaction:
  max_updates: 42
  lock_ttl: 3s
patch:
  rebase_strategy: http
  rebase_url: http://agent.local/rebase
`), 0o600))
	t.Setenv("DOCSYNC_MYSQL_DSN", "user:pw@tcp(db:3306)/docsync")
	t.Setenv("DOCSYNC_COMPACTION_WORKERS", "7")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.EqualValues(t, 42, cfg.Compaction.MaxUpdates)
	assert.Equal(t, 3*time.Second, cfg.Compaction.LockTTL)
	assert.Equal(t, 7, cfg.Compaction.Workers)
	assert.Equal(t, "user:pw@tcp(db:3306)/docsync", cfg.Mysql.DSN)
	assert.Equal(t, "http", cfg.Patch.RebaseStrategy)
	assert.Equal(t, "http://agent.local/rebase", cfg.Patch.RebaseURL)

	// 未配置的项取默认值
	assert.EqualValues(t, 1000, cfg.Compaction.ForceUpdates)
	assert.Equal(t, 10*time.Second, cfg.Patch.RebaseTimeout)
	assert.Equal(t, 256, cfg.Collab.SendQueue)
	assert.Equal(t, 8, cfg.Blame.MaxBackfill)
	assert.Equal(t, "doc-events", cfg.Kafka.Topic)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
