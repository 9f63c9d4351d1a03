package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stockrelay/pkg/app"
	"stockrelay/pkg/config"

	"github.com/spf13/cobra"
)

// 全局参数
type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
	outputJSON bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "stockrelay",
		Short: "A股行情与AI分析的多提供商查询工具",
		Long: `stockrelay 按优先级在多个行情数据源和AI服务之间自动切换，
失败的提供商进入冷却，额度耗尽的提供商在额度恢复前被跳过。`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "配置文件路径 (默认搜索 ./stockrelay.yaml, ./config/, $HOME/.stockrelay/)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "启动时加载的环境文件")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置")
	rootCmd.PersistentFlags().BoolVar(&flags.outputJSON, "json", false, "以 JSON 格式输出")

	rootCmd.AddCommand(newStockCommand(flags))
	rootCmd.AddCommand(newAskCommand(flags))
	rootCmd.AddCommand(newBatchCommand(flags))
	rootCmd.AddCommand(newProvidersCommand(flags))
	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newConfigCommand(flags))

	return rootCmd
}

func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWith(config.LoadOptions{ConfigFile: f.configFile, EnvFile: f.envFile})
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.SetLogLevel(f.logLevel)
	}
	return cfg, nil
}

// newApp 加载配置并组装运行时，日志写到 stderr，结果写到 stdout
// mutate 可在组装前按命令行参数调整配置
func (f *globalFlags) newApp(cmd *cobra.Command, mutate func(*config.Config)) (*app.App, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	return app.New(cmd.Context(), cfg, app.WithLogOutput(cmd.ErrOrStderr()))
}
