package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"stockrelay/pkg/config"
	"stockrelay/pkg/gateway"
	"stockrelay/pkg/provider/core"
	"stockrelay/pkg/scheduler"
	"stockrelay/pkg/selector"

	"github.com/spf13/cobra"
)

func newStockCommand(flags *globalFlags) *cobra.Command {
	var providerName string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "stock SYMBOL...",
		Short: "查询股票行情",
		Long:  "按配置的选择方式查询一只或多只股票的实时行情，--provider 指定只使用某个数据源",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := callOptions(providerName, noCache)
			var results []*gateway.StockResult
			var failed []string
			for _, symbol := range args {
				res, err := a.Gateway.GetStockInfo(cmd.Context(), symbol, opts...)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", symbol, err)
					failed = append(failed, symbol)
					continue
				}
				results = append(results, res)
			}

			if flags.outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{
						r.Stock.Symbol,
						r.Stock.Name,
						strconv.FormatFloat(r.Stock.Price, 'f', 2, 64),
						strconv.FormatFloat(r.Stock.ChangePercent, 'f', 2, 64) + "%",
						strconv.FormatInt(r.Stock.Volume, 10),
						r.Provider,
						strconv.FormatBool(r.Cached),
					})
				}
				writeTable(cmd.OutOrStdout(), []string{"代码", "名称", "现价", "涨跌幅", "成交量", "提供商", "缓存"}, rows)
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d 只股票查询失败: %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "只使用指定的数据源")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "跳过缓存")
	return cmd
}

func newAskCommand(flags *globalFlags) *cobra.Command {
	var providerName, system string
	var temperature float64
	var maxTokens int
	var noCache bool

	cmd := &cobra.Command{
		Use:   "ask PROMPT",
		Short: "向AI服务提问",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			req := gateway.AIRequest{Prompt: strings.Join(args, " "), System: system}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}

			res, err := a.Gateway.GetAIResponse(cmd.Context(), req, callOptions(providerName, noCache)...)
			if err != nil {
				return err
			}

			if flags.outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Completion.Content)
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s / %s, tokens=%d]\n", res.Provider, res.Completion.Model, res.Completion.Usage.TotalTokens)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "只使用指定的AI服务")
	cmd.Flags().StringVar(&system, "system", "", "系统提示词")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "采样温度")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "最大生成长度")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "跳过缓存")
	return cmd
}

func newBatchCommand(flags *globalFlags) *cobra.Command {
	var symbols []string
	var analyze bool
	var workers int

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "批量查询自选股",
		Long:  "查询 STOCK_LIST 中的全部股票，--analyze 时对每只股票追加一次AI分析",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.newApp(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("analyze") {
					cfg.Batch.Analyze = analyze
				}
				if workers > 0 {
					cfg.Batch.MaxWorkers = workers
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			var report *scheduler.Report
			if len(symbols) > 0 {
				report = a.Scheduler.Run(cmd.Context(), symbols)
			} else if report, err = a.Scheduler.RunOnce(cmd.Context()); report == nil {
				return err
			}

			if flags.outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				writeReport(cmd.OutOrStdout(), report)
			}

			if report.Failed > 0 {
				return fmt.Errorf("%d/%d 只股票处理失败", report.Failed, len(report.Items))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "股票列表，逗号分隔，覆盖 STOCK_LIST")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "追加AI分析")
	cmd.Flags().IntVar(&workers, "workers", 0, "并发数，覆盖 MAX_WORKERS")
	return cmd
}

func newProvidersCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "列出提供商及选择顺序",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			type row struct {
				Name     string    `json:"name"`
				Kind     core.Kind `json:"kind"`
				Priority int       `json:"priority"`
				Enabled  bool      `json:"enabled"`
				Timeout  string    `json:"timeout"`
				Limit    string    `json:"rate_limit,omitempty"`
			}

			var list []row
			for _, kind := range []core.Kind{core.KindDataSource, core.KindAIService} {
				for _, p := range a.Selector.Registered(kind) {
					r := row{Name: p.Name, Kind: p.Kind, Priority: p.Priority, Enabled: p.Enabled, Timeout: p.Timeout.String()}
					if !p.RateLimit.Unlimited() {
						r.Limit = fmt.Sprintf("%d/%s", p.RateLimit.MaxCalls, p.RateLimit.Window)
					}
					list = append(list, r)
				}
			}

			if flags.outputJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			rows := make([][]string, 0, len(list))
			for _, r := range list {
				rows = append(rows, []string{r.Name, string(r.Kind), strconv.Itoa(r.Priority), strconv.FormatBool(r.Enabled), r.Timeout, r.Limit})
			}
			writeTable(cmd.OutOrStdout(), []string{"名称", "类别", "优先级", "启用", "超时", "限流"}, rows)

			data, ai := a.Gateway.Selections()
			fmt.Fprintf(cmd.OutOrStdout(), "\n数据源选择: %s\nAI服务选择: %s\n", describeSelection(data), describeSelection(ai))
			return nil
		},
	}
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与定时批量任务",
		Long:  "启动 HTTP 服务，开启定时任务时按 SCHEDULE_TIME 每日运行批量查询；收到 SIGHUP 时重新加载提供商配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.newApp(cmd, func(cfg *config.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := a.NewServer()
			if err != nil {
				return err
			}
			if err := a.Scheduler.Start(); err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "服务已启动: %s\n", srv.Addr())

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			for {
				select {
				case <-cmd.Context().Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout+5*time.Second)
					defer cancel()
					return errors.Join(srv.Stop(shutdownCtx), a.Scheduler.Stop(shutdownCtx))
				case <-hup:
					cfg, err := flags.loadConfig()
					if err != nil {
						a.Logger.WithError(err).Error("重新加载配置失败，保持当前配置")
						continue
					}
					if err := a.Reload(cfg.Providers); err != nil {
						a.Logger.WithError(err).Error("重载提供商失败，保持当前配置")
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖 server.addr")
	return cmd
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "查看或检查配置",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "输出生效的配置（凭证已隐藏）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if flags.outputJSON {
				return writeJSON(cmd.OutOrStdout(), cfg.Masked())
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "检查配置并列出警告",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "配置有效")
			for _, w := range cfg.Warnings() {
				fmt.Fprintf(cmd.OutOrStdout(), "警告: %s\n", w)
			}
			return nil
		},
	})

	return cmd
}

func callOptions(providerName string, noCache bool) []gateway.CallOption {
	var opts []gateway.CallOption
	if providerName != "" {
		opts = append(opts, gateway.Using(selector.Manual(providerName)))
	}
	if noCache {
		opts = append(opts, gateway.NoCache())
	}
	return opts
}

func describeSelection(sel selector.Selection) string {
	if sel.Mode == selector.ModeManual {
		return "manual (" + sel.Provider + ")"
	}
	return string(selector.ModeAuto)
}

func writeReport(w io.Writer, report *scheduler.Report) {
	if report.Skipped {
		fmt.Fprintln(w, "非交易日，已跳过")
		return
	}

	rows := make([][]string, 0, len(report.Items))
	for _, item := range report.Items {
		name, price, provider, analysis := "", "", "", ""
		if item.Stock != nil {
			name = item.Stock.Stock.Name
			price = strconv.FormatFloat(item.Stock.Stock.Price, 'f', 2, 64)
			provider = item.Stock.Provider
		}
		if item.Analysis != nil {
			analysis = firstLine(item.Analysis.Completion.Content, 40)
		}
		rows = append(rows, []string{item.Symbol, name, price, provider, analysis, item.Error})
	}
	writeTable(w, []string{"代码", "名称", "现价", "提供商", "分析", "错误"}, rows)
	fmt.Fprintf(w, "\n运行 %s: 成功 %d，失败 %d，耗时 %s\n",
		report.RunID, report.Succeeded, report.Failed, report.Finished.Sub(report.Started).Round(time.Millisecond))
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

func writeTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
