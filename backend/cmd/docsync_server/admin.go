package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/store"
)

var (
	pruneKeep int

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(true)
			if err != nil {
				return err
			}
			st.Close()
			zap.S().Info("schema migrated")
			return nil
		},
	}

	compactCmd = &cobra.Command{
		Use:   "compact [documentId]",
		Short: "Fold a document's pending updates into a new snapshot",
		Long: `compact 在服务之外手动触发一次压缩。锁走 redis 时可以和运行中的服务并存，
运行中的服务会在下一次写入时发现快照周期已推进。`,
		Args: cobra.ExactArgs(1),
		RunE: runCompact,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune [documentId]",
		Short: "Archive unpinned versions beyond retention and delete archived ones",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrune,
	}

	clearReadOnlyCmd = &cobra.Command{
		Use:   "clear-readonly [documentId]",
		Short: "Lift the read-only flag after an operator fixed the document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(false)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.ClearReadOnly(cmd.Context(), args[0]); err != nil {
				return err
			}
			zap.S().Infow("read-only flag cleared", "documentId", args[0])
			return nil
		},
	}
)

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "unpinned versions to keep (default compaction.retention)")
}

func openStore(migrate bool) (*store.Store, error) {
	if cfg.Mysql.DSN == "" {
		return nil, errors.New("mysql.dsn is not configured")
	}
	db, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
		SlowThreshold:   cfg.Mysql.SlowThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if migrate {
		if err := store.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store.New(db)
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, _, closeRedis, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis()

	evt, err := compaction.NewService(st, locker, cfg.Compaction).Compact(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("document %s: snapshot %d, content version %d, %d updates folded, %d bytes\n",
		evt.DocumentID, evt.SnapshotSeq, evt.ContentVersion, len(evt.Superseded), evt.SizeBytes)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(false)
	if err != nil {
		return err
	}
	defer st.Close()

	keep := pruneKeep
	if keep <= 0 {
		keep = cfg.Compaction.Retention
	}
	archived, err := st.ArchiveBeyondRetention(ctx, args[0], keep)
	if err != nil {
		return err
	}
	deleted, err := st.PruneArchived(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("document %s: %d versions archived, %d archived versions deleted\n", args[0], archived, deleted)
	return nil
}
