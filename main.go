package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stockarena/calendar"
	"stockarena/config"
	"stockarena/fee"
	"stockarena/i18n"
	"stockarena/utils"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "stockarena",
		Short: "A 股模拟交易竞技场：多个 AI 模型按 A 股规则模拟交易",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(marketStatusCmd(&configPath))
	rootCmd.AddCommand(feeCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动交易调度与 Web 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本号",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stockarena %s\n", Version)
		},
	}
}

// loadOptionalConfig 配置文件不存在时使用默认配置
func loadOptionalConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.LoadConfigFromBytes(nil)
	}
	return config.LoadConfig(path)
}

func marketStatusCmd(configPath *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "market-status",
		Short: "查询某一时刻的交易时段",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOptionalConfig(*configPath)
			if err != nil {
				return err
			}
			if err := utils.SetLocation(cfg.System.Timezone); err != nil {
				return fmt.Errorf("设置时区失败: %w", err)
			}
			if err := i18n.Init(cfg.System.Language); err != nil {
				return fmt.Errorf("初始化 i18n 失败: %w", err)
			}
			oracle, err := buildOracle(cfg)
			if err != nil {
				return err
			}

			t := time.Now()
			if at != "" {
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("解析时间失败: %w", err)
				}
			}
			st := oracle.Status(t)
			out := struct {
				calendar.Status
				SessionText string `json:"session_text"`
			}{st, i18n.T("session." + string(st.Session))}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "查询时间（RFC3339），默认当前时间")
	return cmd
}

func feeCmd(configPath *string) *cobra.Command {
	var (
		notional string
		side     string
	)
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "按当前费率计算一笔交易的费用",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOptionalConfig(*configPath)
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(notional)
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("成交金额无效: %q", notional)
			}
			s, err := fee.ParseSide(side)
			if err != nil {
				return err
			}
			breakdown := fee.NewCalculator(cfg.Fees.Rates()).Compute(amount, s)
			return printJSON(cmd, breakdown)
		},
	}
	cmd.Flags().StringVar(&notional, "notional", "", "成交金额（元）")
	cmd.Flags().StringVar(&side, "side", "buy", "买卖方向 buy|sell")
	_ = cmd.MarkFlagRequired("notional")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
