package main

import (
	"github.com/spf13/cobra"

	"OpenLP-Agent/internal/config"
	"OpenLP-Agent/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动守护进程",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}
