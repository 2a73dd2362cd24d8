package main

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docSyncServer/backend/config"
	"docSyncServer/backend/internal/logger"
)

var (
	configFile string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "docsync",
		Short: "Collaborative document sync server",
		Long: `docsync 负责文档的实时同步、快照压缩、版本历史、
补丁提交和逐行归属。serve 启动服务，其余子命令是运维工具。`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("docsync: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default docsyncConfig.yaml)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if _, err := logger.Init(c.Log.Level, c.Log.Development); err != nil {
			return err
		}
		cfg = c
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, compactCmd, pruneCmd, clearReadOnlyCmd)
}
