package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"OpenLP-Agent/internal/config"
	"OpenLP-Agent/internal/storage/mysql"
	"OpenLP-Agent/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "对 MySQL 执行待应用的迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != config.DriverMySQL {
			return fmt.Errorf("存储驱动为 %s，无需迁移", cfg.Storage.Driver)
		}
		if err := logger.Init(cfg.Log); err != nil {
			return err
		}
		defer logger.Sync()

		store, err := mysql.Open(cmd.Context(), cfg.Storage.MySQL)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.L().Info("迁移完成", slog.String("driver", cfg.Storage.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
