package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/core"
	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/RecoveryAshes/precotrack/internal/store"
	"github.com/RecoveryAshes/precotrack/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// seed参数
	seedFile        string
	seedPriority    int
	seedIntervalMin int

	// scan参数
	scanFile        string
	batchDelay      int
	continueOnError bool
)

var rootCmd = &cobra.Command{
	Use:   "precotrack",
	Short: "自适应电商价格监控引擎",
	Long: `precotrack - 自适应电商价格监控引擎 (Go版本)

周期性访问商品URL,提取结构化价格记录,并根据成败反馈
在线调优每个域名的提取策略组合:
  • 调度器: 抖动防突发 + 域名成功率自适应间隔
  • 并发队列: 全局/单域名并发约束 + 令牌桶限速 + 冷却
  • 提取引擎: 无头浏览器(stealth) + 拟人交互 + 拦截检测
  • 策略评估器: regex/css/xpath/semantic/composite 五类策略
  • 学习层: 置信度EMA + 重排序 + 变体生成 + 弱策略退休

示例:
  # 注册监控URL后启动守护
  precotrack seed -f urls.txt
  precotrack

  # 对URL列表做一次性提取
  precotrack scan -f urls.txt

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 初始化日志系统
		logConfig := utils.LogConfig{
			Level:      config.Logging.Level,
			LogDir:     config.Logging.LogDir,
			MaxSize:    config.Logging.Rotation.MaxSize,
			MaxBackups: config.Logging.Rotation.MaxBackups,
			MaxAge:     config.Logging.Rotation.MaxAge,
			Compress:   config.Logging.Rotation.Compress,
		}

		// 命令行参数覆盖配置文件
		if logLevel != "" {
			logConfig.Level = logLevel
		}

		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		appConfig, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		rt, err := core.NewRuntime(appConfig)
		if err != nil {
			return fmt.Errorf("初始化运行时失败: %w", err)
		}
		defer rt.Close()

		// 信号处理(Ctrl+C优雅停机)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			utils.Warnf("收到中断信号: %v, 正在优雅停机...", sig)
			cancel()
		}()

		utils.Info("🛰️  precotrack 监控守护启动")
		monitor := core.NewMonitor(rt)
		if err := monitor.Run(ctx); err != nil {
			return fmt.Errorf("守护运行失败: %w", err)
		}

		utils.Info("✨ 监控守护已退出")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "从URL文件批量注册监控URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateSeedFlags(seedFile, seedPriority, seedIntervalMin); err != nil {
			return err
		}

		appConfig, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		urls, err := utils.ReadURLsFromFile(seedFile)
		if err != nil {
			return fmt.Errorf("读取URL文件失败: %w", err)
		}

		st, err := store.OpenSQLite(appConfig.Store.Path)
		if err != nil {
			return fmt.Errorf("打开策略存储失败: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		registered, skipped := 0, 0
		for _, rawURL := range urls {
			normalized, err := NormalizeURL(rawURL)
			if err != nil {
				utils.Warnf("跳过无效URL: %s - %v", rawURL, err)
				skipped++
				continue
			}
			u, err := models.NewMonitoredURL(normalized, seedPriority,
				time.Duration(seedIntervalMin)*time.Minute)
			if err != nil {
				utils.Warnf("跳过无效URL: %s - %v", rawURL, err)
				skipped++
				continue
			}
			if err := st.InsertURL(ctx, u); err != nil {
				// 唯一约束冲突等: 已注册过
				utils.Debugf("URL注册失败(可能已存在): %s - %v", normalized, err)
				skipped++
				continue
			}
			registered++
		}

		fmt.Printf("✅ 注册URL数: %d\n", registered)
		fmt.Printf("⏭️  跳过URL数: %d\n", skipped)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "对URL列表做一次性提取(不经调度器)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateScanFlags(scanFile, batchDelay); err != nil {
			return err
		}

		appConfig, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		urls, err := utils.ReadURLsFromFile(scanFile)
		if err != nil {
			return fmt.Errorf("读取URL文件失败: %w", err)
		}

		rt, err := core.NewRuntime(appConfig)
		if err != nil {
			return fmt.Errorf("初始化运行时失败: %w", err)
		}
		defer rt.Close()
		rt.Monitor.StartMonitoring(time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			utils.Warn("收到中断信号,停止扫描")
			cancel()
		}()

		bar := progressbar.Default(int64(len(urls)), "扫描进度")

		succeeded, failed := 0, 0
		for i, rawURL := range urls {
			if ctx.Err() != nil {
				break
			}

			u, err := models.NewMonitoredURL(rawURL, 5, time.Hour)
			if err != nil {
				utils.Warnf("跳过无效URL: %s - %v", rawURL, err)
				failed++
				bar.Add(1)
				continue
			}

			item := &queue.Item{
				URLID:      u.ID,
				URL:        u.URL,
				Domain:     u.Domain,
				Priority:   u.Priority,
				Complexity: queue.Normal,
			}
			result := rt.Engine.Attempt(ctx, item)
			rt.Learner.OnResult(ctx, result)

			if result.Outcome == models.OutcomeOK {
				succeeded++
				if record := result.Record; record != nil {
					utils.Infof("💰 %s → R$ %.2f (策略=%s, 置信=%.2f)",
						u.URL, record.Price, record.StrategyID, record.Confidence)
				}
			} else {
				failed++
				if !continueOnError {
					bar.Add(1)
					return fmt.Errorf("提取失败 [%s]: outcome=%s", u.URL, result.Outcome)
				}
			}
			bar.Add(1)

			// URL间延迟, 降低目标站压力
			if batchDelay > 0 && i < len(urls)-1 {
				select {
				case <-ctx.Done():
				case <-time.After(time.Duration(batchDelay) * time.Second):
				}
			}
		}

		fmt.Println("\n==================================================")
		fmt.Println("📊 扫描统计")
		fmt.Println("==================================================")
		fmt.Printf("✅ 成功: %d\n", succeeded)
		fmt.Printf("❌ 失败: %d\n", failed)
		fmt.Printf("📦 总计: %d\n", len(urls))
		fmt.Println("==================================================")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("precotrack %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Println("自适应价格监控引擎 - Go实现")
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")

	// seed参数
	seedCmd.Flags().StringVarP(&seedFile, "url-file", "f", "", "包含URL列表的文件路径 (必需)")
	seedCmd.Flags().IntVarP(&seedPriority, "priority", "p", 5, "优先级 (0-9, 9最高)")
	seedCmd.Flags().IntVarP(&seedIntervalMin, "interval", "i", 360, "基础监控间隔(分钟)")

	// scan参数
	scanCmd.Flags().StringVarP(&scanFile, "url-file", "f", "", "包含URL列表的文件路径 (必需)")
	scanCmd.Flags().IntVar(&batchDelay, "batch-delay", 1, "URL间延迟(秒)")
	scanCmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "遇到错误继续处理")

	// 添加子命令
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
