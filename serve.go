package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/ai"
	"stockarena/calendar"
	"stockarena/config"
	"stockarena/database"
	"stockarena/event"
	"stockarena/i18n"
	"stockarena/ledger"
	"stockarena/lock"
	"stockarena/logger"
	"stockarena/market"
	"stockarena/metrics"
	"stockarena/order"
	"stockarena/portfolio"
	"stockarena/scheduler"
	"stockarena/utils"
	"stockarena/web"
)

// runServe 启动完整服务，直到收到退出信号
func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区 Asia/Shanghai", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	defer logger.Close()

	if err := i18n.Init(cfg.System.Language); err != nil {
		return fmt.Errorf("初始化 i18n 失败: %w", err)
	}

	logger.Info("🚀 StockArena 启动...")
	logger.Info("📦 版本号: %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线
	logger.Info("🔧 正在初始化事件总线...")
	bus := event.NewEventBus(1000)
	dispatcher := event.NewDispatcher(bus)
	hub := web.NewHub()
	dispatcher.Register(hub)
	dispatcher.Register(event.LogProcessor{})
	dispatcher.Start()
	defer dispatcher.Stop()

	// 数据库
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer db.Close()
	logger.Info("✅ 数据库已初始化 (类型: %s)", cfg.Database.Type)

	// 分布式锁（多实例时保证每个模型只有一个写入者）
	logger.Info("🔧 正在初始化分布式锁...")
	distLock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer distLock.Close()
	if cfg.DistributedLock.Enabled {
		logger.Info("✅ 分布式锁已启用 (类型: %s)", cfg.DistributedLock.Type)
	} else {
		logger.Info("ℹ️ 分布式锁未启用（单机模式）")
	}

	// 运行时设置：数据库中保存的值优先于配置文件
	current := cfg.Runtime()
	stored, err := db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("读取运行时设置失败: %w", err)
	}
	if current, err = current.MergeStored(stored); err != nil {
		return err
	}
	if err := current.Validate(); err != nil {
		logger.Warn("⚠️ 数据库中的运行时设置无效: %v，使用配置文件中的值", err)
		current = cfg.Runtime()
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	oracle, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	l := ledger.New(db, distLock)
	l.SetLockTTL(time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second)
	exec := order.NewExecutor(l, oracle, provider, current.Fees.Rates(), bus)
	exec.SetDefaultUniverse(cfg.Trading.DefaultUniverse)
	agg := portfolio.NewAggregator(l, provider, bus)

	if err := ensureModels(ctx, l, cfg); err != nil {
		return err
	}

	registry := ai.NewRegistry(ai.NewAIServiceFactory(ai.NewPromptBuilder()), ai.Config{
		Provider:       cfg.AI.Provider,
		APIKey:         cfg.AI.APIKey,
		BaseURL:        cfg.AI.BaseURL,
		Model:          cfg.AI.Model,
		TimeoutSeconds: cfg.AI.TimeoutSeconds,
		RatePerMinute:  cfg.AI.RatePerMinute,
	})

	sched, err := scheduler.New(scheduler.Config{
		IntervalMinutes: current.FrequencyMinutes,
		DecisionTimeout: cfg.DecisionTimeout(),
		DefaultUniverse: cfg.Trading.DefaultUniverse,
	}, scheduler.Deps{
		Store:     l,
		Oracle:    oracle,
		Provider:  provider,
		Executor:  exec,
		Valuer:    agg,
		Resolver:  registry,
		Publisher: bus,
	})
	if err != nil {
		return fmt.Errorf("创建调度器失败: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}
	defer sched.Stop()

	// 系统指标
	logger.Info("🔧 正在初始化 Prometheus 系统指标采集器...")
	collector := metrics.NewSystemMetricsCollector(10 * time.Second)
	collector.Start()
	defer collector.Stop()

	srv := web.NewServer(cfg.Web.APIKey, web.Deps{
		Ledger:         l,
		Portfolio:      agg,
		Trader:         exec,
		Scheduler:      sched,
		Settings:       db,
		Oracle:         oracle,
		Provider:       provider,
		Publisher:      bus,
		Hub:            hub,
		System:         collector.Latest,
		Runtime:        current,
		InitialCapital: decimal.NewFromFloat(cfg.Trading.InitialCapital),
		Version:        Version,
	})

	// 配置热更新：只有交易频率与费率即时生效
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(func(_, next config.RuntimeSettings) error {
		if err := sched.SetInterval(next.FrequencyMinutes); err != nil {
			return err
		}
		exec.SetRates(next.Fees.Rates())
		for key, value := range next.ToMap() {
			if err := db.SaveSetting(ctx, key, value); err != nil {
				return fmt.Errorf("保存设置 %s 失败: %w", key, err)
			}
		}
		srv.ApplyRuntime(next)
		bus.Publish(&event.Event{
			Type: event.EventTypeSettingsChanged,
			Data: map[string]interface{}{"settings": next},
		})
		return nil
	})
	watcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控器失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控失败: %v", err)
	} else {
		defer watcher.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case diff := <-watcher.RestartChan():
					bus.Publish(&event.Event{
						Type: event.EventTypeConfigRestartRequired,
						Data: map[string]interface{}{"changes": diff.Changes},
					})
				case <-watcher.GetErrorChan():
					// 已在监控器内记录
				}
			}
		}()
	}

	// Web 服务
	webServer := web.NewWebServer(cfg, srv)
	if webServer != nil {
		if err := webServer.Start(ctx); err != nil {
			return fmt.Errorf("启动 Web 服务失败: %w", err)
		}
	} else {
		logger.Info("ℹ️ Web 服务未启用")
	}

	bus.Publish(&event.Event{
		Type: event.EventTypeSystemStart,
		Data: map[string]interface{}{"version": Version},
	})
	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	bus.Publish(&event.Event{
		Type: event.EventTypeSystemStop,
		Data: map[string]interface{}{"reason": "收到退出信号"},
	})

	// 先等待进行中的交易循环完成，再关闭 Web 与数据库
	sched.Stop()
	webServer.Stop()
	cancel()

	logger.Info("✅ 程序已安全退出")
	return nil
}

// buildProvider 按配置创建行情源
func buildProvider(cfg *config.Config) (market.Provider, error) {
	switch cfg.Market.Provider {
	case "static":
		p := market.NewStaticProvider()
		for _, q := range cfg.Market.Static {
			sym, err := market.NormalizeSymbol(q.Symbol)
			if err != nil {
				return nil, fmt.Errorf("静态行情配置无效: %w", err)
			}
			p.Set(&market.Snapshot{
				Symbol:    sym,
				Name:      q.Name,
				Price:     decimal.NewFromFloat(q.Price),
				PrevClose: decimal.NewFromFloat(q.PrevClose),
				Volume:    q.Volume,
				Suspended: q.Suspended,
			})
		}
		logger.Info("✅ 使用静态行情: %d 只证券", len(cfg.Market.Static))
		return p, nil
	default:
		sina := market.NewSinaProvider(cfg.Market.BaseURL, cfg.Market.RatePerSecond)
		logger.Info("✅ 使用新浪行情 (缓存 %v)", cfg.CacheTTL())
		return market.NewCachedProvider(sina, cfg.CacheTTL()), nil
	}
}

// buildOracle 加载交易日历，未配置文件时使用内置节假日表
func buildOracle(cfg *config.Config) (*calendar.Oracle, error) {
	if cfg.Calendar.File == "" {
		return calendar.NewDefaultOracle()
	}
	table, err := calendar.LoadTable(cfg.Calendar.File)
	if err != nil {
		return nil, fmt.Errorf("加载交易日历失败: %w", err)
	}
	return calendar.NewOracle(table), nil
}

// ensureModels 创建配置文件中声明但数据库中尚不存在的模型
func ensureModels(ctx context.Context, l *ledger.Ledger, cfg *config.Config) error {
	existing, err := l.Models(ctx)
	if err != nil {
		return fmt.Errorf("读取模型列表失败: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, m := range existing {
		names[m.Name] = true
	}

	for _, mc := range cfg.Models {
		if names[mc.Name] {
			continue
		}
		universe := make([]string, 0, len(mc.Universe))
		for _, raw := range mc.Universe {
			sym, err := market.NormalizeSymbol(raw)
			if err != nil {
				return fmt.Errorf("模型 %s 的股票池无效: %w", mc.Name, err)
			}
			universe = append(universe, sym)
		}
		m := &database.Model{
			Name:           mc.Name,
			ProviderRef:    mc.Provider,
			ModelName:      mc.ModelName,
			InitialCapital: decimal.NewFromFloat(mc.InitialCapital),
		}
		m.SetUniverse(universe)
		if err := l.CreateModel(ctx, m); err != nil {
			return fmt.Errorf("创建模型 %s 失败: %w", mc.Name, err)
		}
		logger.Info("✅ 已创建模型 %s (初始资金 %s)", m.Name, m.InitialCapital.StringFixed(2))
	}
	return nil
}
