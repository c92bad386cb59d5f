package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	// 内嵌 IANA 时区数据，容器中无 zoneinfo 时 LoadLocation 仍可用
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"stockpilot/broker"
	"stockpilot/broker/alpaca"
	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/i18n"
	"stockpilot/lock"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/monitor"
	"stockpilot/order"
	"stockpilot/pairlock"
	"stockpilot/protection"
	"stockpilot/quote"
	"stockpilot/risk"
	"stockpilot/storage"
	"stockpilot/utils"
	"stockpilot/web"
)

// Version 版本号
var Version = "1.2.0"

// 全局日志存储实例（用于清理任务和退出时关闭）
var globalLogStorage *storage.LogStorage

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("StockPilot Trade Engine\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	if debugMode {
		log.Printf("[INFO] Debug 模式已启用：Gin 将输出全量请求日志")
	}
	os.Args = filteredArgs

	// 加载 .env 环境变量（券商密钥可放 .env，不必写进配置文件）
	if err := godotenv.Load(); err == nil {
		log.Printf("[INFO] 已加载 .env 环境变量")
	}

	// 最早初始化日志存储（在配置加载之前，使用默认路径）
	logStoragePath := "./logs.db"
	if len(os.Args) > 2 && os.Args[1] == "--log-db" {
		logStoragePath = os.Args[2]
		os.Args = append(os.Args[:1], os.Args[3:]...)
	}

	logStorage, err := storage.NewLogStorage(logStoragePath)
	if err != nil {
		log.Printf("[WARN] 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
		logStorage = nil
	} else {
		globalLogStorage = logStorage
		logger.InitLogStorage(func(level, message string) {
			if logStorage != nil {
				logStorage.WriteLog(level, message)
			}
		})
		log.Printf("[INFO] 日志存储已初始化: %s", logStoragePath)

		// 定期日志清理任务（每天凌晨2点）
		go func() {
			cleanup := func() {
				logger.Info("🧹 开始定期清理日志...")
				rowsAffected, err := logStorage.CleanOldLogsByLevel(7, []string{"INFO", "WARN"})
				if err != nil {
					logger.Warn("⚠️ 清理日志失败: %v", err)
				} else {
					logger.Info("✅ 已清理 %d 条 INFO/WARN 级别日志（7天前）", rowsAffected)
				}
				if err := logStorage.Vacuum(); err != nil {
					logger.Warn("⚠️ 数据库优化失败: %v", err)
				} else {
					logger.Info("✅ 日志数据库优化完成")
				}
			}

			now := time.Now()
			nextCleanup := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
			if nextCleanup.Before(now) {
				nextCleanup = nextCleanup.Add(24 * time.Hour)
			}
			time.Sleep(nextCleanup.Sub(now))
			cleanup()

			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				cleanup()
			}
		}()
	}

	logger.Info("🚀 StockPilot 交易执行引擎启动...")
	logger.Info("📦 版本号: %s", Version)

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 检查配置文件是否存在
	var cfg *config.Config
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		// 配置文件不存在，生成最小化配置（dry_run 模式，不触达券商）
		logger.Info("ℹ️ 配置文件不存在，创建最小化配置（dry_run 模式）")
		cfg = config.CreateMinimalConfig()
		if err := config.SaveConfig(cfg, configPath); err != nil {
			logger.Warn("⚠️ 保存最小化配置失败: %v，将继续运行", err)
		} else {
			logger.Info("✅ 已创建最小化配置文件: %s", configPath)
		}
	} else {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			logger.Fatalf("❌ 加载配置失败: %v", err)
		}
	}

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区 America/New_York", cfg.System.Timezone, err)
		utils.SetLocation("America/New_York")
	} else {
		logger.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
	}
	logger.SetLocation(utils.GlobalLocation)

	if debugMode {
		cfg.System.LogLevel = "debug"
	}

	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)
	logger.Info("日志级别设置为: %s", logLevel.String())

	// 初始化 i18n 系统
	logLang := cfg.System.LogLanguage
	if logLang == "" {
		logLang = "zh-CN"
	}
	if err := i18n.Init(logLang); err != nil {
		logger.Warn("⚠️ 初始化 i18n 失败: %v，将使用默认语言", err)
	} else {
		logger.Info("✅ i18n 系统已初始化，日志语言: %s", logLang)
	}
	logger.SetTranslateFunc(i18n.T)

	logger.Info("✅ 配置加载成功: 执行模式=%s, 账户=%s, 关注股票=%d",
		cfg.Trading.Mode, cfg.AccountScope(), len(cfg.Trading.Symbols))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线 & 事件中心
	logger.Info("🔧 正在初始化事件中心...")
	eventBus := event.NewEventBus(cfg.EventCenter.BufferSize)
	eventCenter := event.NewCenter(eventBus, cfg.EventCenter.RecentSize)
	eventCenter.Start()
	defer eventCenter.Stop()

	// 存储服务（事件与系统监控样本的 SQLite 落地）
	logger.Info("🔧 正在初始化存储服务...")
	storageService, err := storage.NewStorageService(cfg, ctx)
	if err != nil {
		logger.Warn("⚠️ 初始化存储服务失败: %v (将继续运行，但不保存数据)", err)
		storageService = nil
	} else if cfg.Storage.Enabled {
		storageService.Start()
	}

	// 事件→存储桥：事件中心的事件异步落盘
	if storageService != nil {
		go func() {
			subID, eventCh := eventCenter.Subscribe(64)
			defer eventCenter.Unsubscribe(subID)
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-eventCh:
					if evt == nil {
						continue
					}
					storageService.Save(string(evt.Type), evt.Data)
				}
			}
		}()
	}

	// 数据库（持仓、成交、交易对锁、订单记录）
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
		AccountScope:    cfg.AccountScope(),
	})
	if err != nil {
		logger.Fatalf("❌ 初始化数据库失败: %v", err)
	}
	defer db.Close()
	logger.Info("✅ 数据库已初始化 (类型: %s, 账户: %s)", cfg.Database.Type, cfg.AccountScope())

	// Prometheus 系统指标采集器
	var systemMetricsCollector *metrics.SystemMetricsCollector
	if cfg.Metrics.Enabled {
		collectInterval := time.Duration(cfg.Metrics.CollectInterval) * time.Second
		if collectInterval <= 0 {
			collectInterval = 60 * time.Second
		}
		systemMetricsCollector = metrics.NewSystemMetricsCollector(collectInterval)
		systemMetricsCollector.Start()
		logger.Info("✅ Prometheus 系统指标采集器已启动")
	} else {
		logger.Info("ℹ️ Prometheus 指标采集未启用")
	}
	statsCollector := metrics.NewStatsCollector()

	// 分布式锁（多实例部署时串行化同一股票的下单）
	logger.Info("🔧 正在初始化分布式锁...")
	distributedLock, err := lock.NewDistributedLock(&lock.Config{
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
		logger.Fatalf("❌ 初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()

	if cfg.DistributedLock.Enabled {
		logger.Info("✅ 分布式锁已启用 (类型: %s)", cfg.DistributedLock.Type)
	} else {
		logger.Info("ℹ️ 分布式锁未启用（单机模式）")
	}

	// 交易对锁（风控、保护机制、执行器共用），过期锁定期清理
	pairStore := pairlock.NewStore(db.Locks())
	sweepInterval := time.Duration(cfg.Trading.LockSweepIntervalS) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	pairStore.StartSweeper(ctx, sweepInterval)

	// 券商适配器（有凭据即创建；dry_run 无凭据时订单走模拟成交）
	var brokerClient broker.Client
	if cfg.Broker.APIKey != "" && cfg.Broker.APISecret != "" {
		adapter := alpaca.New(cfg)
		brokerClient = adapter
		logger.Info("✅ 券商适配器已初始化: %s (账户: %s)", adapter.Name(), cfg.AccountScope())
	} else {
		logger.Info("ℹ️ 未配置券商凭据，订单将以 dry_run 模式模拟成交")
	}

	// 行情：价格缓存 + 实时行情流 + 兜底价格来源
	staleAfter := time.Duration(cfg.QuoteStream.StaleAfterSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	quoteCache := quote.NewCache(staleAfter)

	var streamManager *quote.StreamManager
	if cfg.QuoteStream.Enabled && cfg.Broker.APIKey != "" {
		logger.Info("🔧 正在启动实时行情流...")
		streamManager = quote.NewStreamManager(cfg, quoteCache)
		if err := streamManager.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动行情流失败: %v (价格查询回退到券商 REST 接口)", err)
			streamManager = nil
		} else {
			logger.Info("✅ 行情流已启动，订阅 %d 支股票", len(cfg.Trading.Symbols))
		}
	} else {
		logger.Info("ℹ️ 实时行情流未启用，价格查询走券商 REST 接口")
	}

	priceSource := quote.NewSource(quoteCache, brokerClient)

	// 风控校验器
	var accountProvider risk.AccountProvider
	if brokerClient != nil {
		accountProvider = brokerClient
	}
	riskValidator := risk.NewValidator(cfg, pairStore, db.Trades(), db.Positions(), accountProvider)
	riskValidator.StartSentinel(ctx, time.Duration(cfg.Risk.SentinelIntervalS)*time.Second, eventCenter)

	// 平仓后保护引擎
	protectionEngine := protection.NewEngine(cfg, pairStore, db.Trades(), eventCenter)

	// 订单执行器
	logger.Info("🔧 正在初始化订单执行器...")
	executor := order.NewExecutor(cfg, order.Deps{
		DB:       db,
		Broker:   brokerClient,
		Prices:   priceSource,
		Locks:    pairStore,
		Guard:    protectionEngine,
		DistLock: distributedLock,
		Events:   eventCenter,
		Stats:    statsCollector,
	})
	logger.Info("✅ 订单执行器已初始化 (模式: %s)", cfg.Trading.Mode)

	// 分批止盈计划器（巡检循环常驻，功能开关每轮生效，支持热更新开启）
	planner := order.NewPlanner(cfg, db, executor)
	go planner.Start(ctx)
	if cfg.PartialExits.Enabled {
		logger.Info("✅ 分批止盈已启用 (档位: %d)", len(cfg.PartialExits.Tiers))
	} else {
		logger.Info("ℹ️ 分批止盈未启用")
	}

	// Watchdog（系统监控）
	var watchdog *monitor.Watchdog
	if cfg.Watchdog.Enabled {
		logger.Info("🔧 正在初始化系统监控...")
		watchdog = monitor.NewWatchdog(cfg, storageService, eventCenter)
		if err := watchdog.Start(ctx); err != nil {
			logger.Error("❌ 启动系统监控失败: %v", err)
		} else {
			logger.Info("✅ 系统监控已启动")
		}
	} else {
		logger.Info("ℹ️ 系统监控未启用")
	}

	// 配置热更新：fsnotify 监听配置文件，变更经校验后推给各组件
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback("组件配置分发", func(oldCfg, newCfg *config.Config, changes []config.ConfigChange) error {
		riskValidator.UpdateConfig(newCfg)
		protectionEngine.UpdateConfig(newCfg)
		executor.UpdateConfig(newCfg)
		planner.UpdateConfig(newCfg)
		if watchdog != nil {
			watchdog.UpdateConfig(newCfg)
		}
		return nil
	})

	configWatcher, err := config.NewConfigWatcher(configPath, hotReloader, config.NewBackupManager())
	if err != nil {
		logger.Warn("⚠️ 初始化配置监听失败: %v (配置热更新不可用)", err)
	} else if err := configWatcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监听失败: %v", err)
	} else {
		logger.Info("✅ 配置热更新已启用，监听: %s", configPath)
		defer configWatcher.Stop()

		// 热更新的异常和需要重启的变更都要让运维看见
		go func() {
			for {
				select {
				case err := <-configWatcher.Errors():
					logger.Warn("⚠️ 配置热更新异常: %v", err)
				case <-configWatcher.Updates():
					logger.Warn("⚠️ 检测到需要重启才能生效的配置变更（如Web端口），请择机重启")
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Web 服务器（运维 API）
	startTime := time.Now()
	var webServer *web.WebServer
	if cfg.Web.Enabled {
		logger.Info("🌐 开始初始化 Web 服务器...")
		web.SetVersion(Version)
		web.SetPositionProvider(db.Positions())
		web.SetTradeProvider(db.Trades())
		web.SetOrderProvider(db.Orders())
		web.SetLockProvider(pairStore)
		web.SetPriceProvider(priceSource)
		web.SetEventProvider(eventCenter)
		web.SetRiskProvider(riskValidator)
		web.SetExecutorProvider(executor)
		if storageService != nil && storageService.GetStorage() != nil {
			web.SetStorageProvider(storageService.GetStorage())
		}
		if globalLogStorage != nil {
			web.SetLogProvider(globalLogStorage)
		}
		web.SetStatusProvider(func() *web.StatusInfo {
			current := hotReloader.GetCurrentConfig()
			stats := statsCollector.Snapshot()
			info := &web.StatusInfo{
				Running:   true,
				Version:   Version,
				Mode:      current.Trading.Mode,
				Broker:    current.Broker.Provider,
				Symbols:   current.Trading.Symbols,
				StartedAt: startTime,
				Uptime:    int64(time.Since(startTime).Seconds()),
				Stats:     &stats,
			}
			if streamManager != nil {
				info.QuoteStreamConnected = streamManager.IsRunning()
			}
			return info
		})

		webServer = web.NewWebServer(cfg)
		if webServer == nil {
			logger.Warn("⚠️ Web 服务器未创建")
		} else if err := webServer.Start(ctx); err != nil {
			logger.Error("❌ 启动Web服务器失败: %v", err)
		} else {
			logger.Info("✅ Web服务器已启动，可通过 http://%s:%d 访问", cfg.Web.Host, cfg.Web.Port)
			time.Sleep(200 * time.Millisecond)
		}
	} else {
		logger.Info("ℹ️ Web 服务未启用（配置中 web.enabled=false）")
	}

	eventCenter.PublishEvent(event.EventTypeSystemStart, map[string]interface{}{
		"version": Version,
		"mode":    cfg.Trading.Mode,
		"account": cfg.AccountScope(),
	})

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	eventBus.Publish(&event.Event{
		Type: event.EventTypeSystemStop,
		Data: map[string]interface{}{
			"reason": "收到退出信号",
		},
	})

	// 先停对外服务，避免关闭期间继续接收请求/行情
	if webServer != nil {
		webServer.Stop()
	}
	if streamManager != nil {
		streamManager.Stop()
	}
	if watchdog != nil {
		watchdog.Stop()
	}
	if systemMetricsCollector != nil {
		systemMetricsCollector.Stop()
	}

	// 停止所有协程（计划器巡检、锁清理、事件桥）
	cancel()

	// 等待事件处理协程完成清理（确保事件队列被处理完）
	time.Sleep(500 * time.Millisecond)

	logger.Info("⏹️ 正在停止存储服务...")
	if storageService != nil {
		storageService.Stop()
	}

	// 再等待一小段时间，让存储服务完成最后的写入
	time.Sleep(200 * time.Millisecond)

	// 关闭文件日志
	logger.Close()

	// 关闭日志存储
	if globalLogStorage != nil {
		if err := globalLogStorage.Close(); err != nil {
			logger.Error("❌ 关闭日志存储失败: %v", err)
		}
	}

	logger.Info("✅ 系统已安全退出 StockPilot")
}
