package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "lpagentd",
	Short: "OpenLP 流动性智能体守护进程",
	Long:  "lpagentd 运行自主流动性池智能体：周期性评估风险、驱动状态机、执行链上交易并维护资金账本。",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 缺失不是错误，显式指定时才要求存在。
		if envFile == "" {
			_ = godotenv.Load()
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("加载环境变量文件失败: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/lpagent.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", ".env 文件路径（默认读取当前目录的 .env）")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
