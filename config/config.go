package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExitTier 分批止盈档位：涨幅达到 gain_pct 时卖出 sell_fraction 比例的剩余持仓
type ExitTier struct {
	GainPct      float64 `yaml:"gain_pct" json:"gain_pct"`           // 相对买入价的涨幅阈值（如 0.05 表示 5%）
	SellFraction float64 `yaml:"sell_fraction" json:"sell_fraction"` // 卖出剩余持仓的比例 (0-1)
}

// StoplossGuardConfig 止损熔断配置：回看窗口内止损次数过多时锁定交易
type StoplossGuardConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	LookbackMinutes int  `yaml:"lookback_minutes" json:"lookback_minutes"` // 回看窗口（分钟），默认60
	TradeLimit      int  `yaml:"trade_limit" json:"trade_limit"`           // 触发锁定的止损次数，默认3
	LockMinutes     int  `yaml:"lock_minutes" json:"lock_minutes"`         // 锁定时长（分钟），默认60
	OnlyPerPair     bool `yaml:"only_per_pair" json:"only_per_pair"`       // true=仅统计并锁定单个股票，false=全局
}

// MaxDrawdownConfig 最大回撤熔断配置
type MaxDrawdownConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	LookbackMinutes int     `yaml:"lookback_minutes" json:"lookback_minutes"` // 回看窗口（分钟），默认1440
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"` // 累计盈亏回撤阈值（百分点），默认10
	LockMinutes     int     `yaml:"lock_minutes" json:"lock_minutes"`         // 锁定时长（分钟），默认120
}

// LowProfitPairsConfig 低收益股票熔断配置
type LowProfitPairsConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	LookbackMinutes int     `yaml:"lookback_minutes" json:"lookback_minutes"` // 回看窗口（分钟），默认1440
	TradeLimit      int     `yaml:"trade_limit" json:"trade_limit"`           // 最少成交笔数，默认3
	MinProfit       float64 `yaml:"min_profit" json:"min_profit"`             // 累计盈亏下限（百分点，可为负）
	LockMinutes     int     `yaml:"lock_minutes" json:"lock_minutes"`         // 锁定时长（分钟），默认120
}

// Config 交易引擎系统配置
type Config struct {
	// 券商配置（Alpaca）
	Broker struct {
		Provider  string `yaml:"provider"`      // 券商类型，目前支持 alpaca
		APIKey    string `yaml:"api_key"`       // 为空时读取环境变量 APCA_API_KEY_ID
		APISecret string `yaml:"api_secret"`    // 为空时读取环境变量 APCA_API_SECRET_KEY
		Paper     bool   `yaml:"paper"`         // true=模拟盘账户，false=实盘账户
		BaseURL   string `yaml:"base_url"`      // 可选，覆盖默认交易API地址
		DataURL   string `yaml:"data_base_url"` // 可选，覆盖默认行情API地址
	} `yaml:"broker"`

	// 交易执行配置
	Trading struct {
		Mode                string   `yaml:"mode"`                   // 执行模式: dry_run, live
		Symbols             []string `yaml:"symbols"`                // 关注的股票列表（行情订阅）
		OrderTimeoutSeconds int      `yaml:"order_timeout_seconds"`  // 等待订单成交的超时（秒），默认30
		FillPollIntervalMs  int      `yaml:"fill_poll_interval_ms"`  // 成交状态轮询间隔（毫秒），默认1000
		OrdersPerSecond     float64  `yaml:"orders_per_second"`      // 下单速率限制（次/秒），默认2
		OrderRateBurst      int      `yaml:"order_rate_burst"`       // 速率限制突发容量，默认4
		LockSweepIntervalS  int      `yaml:"lock_sweep_interval_s"`  // 过期锁清理间隔（秒），默认60
		SymbolLockTTLSec    int      `yaml:"symbol_lock_ttl_sec"`    // 单股票下单互斥锁TTL（秒），默认120
		DefaultStopLossPct  float64  `yaml:"default_stop_loss_pct"`  // 默认止损比例（未指定时），默认0.05
		DefaultTakeProfit   float64  `yaml:"default_take_profit_pct"` // 默认止盈比例（0表示不挂止盈单）
	} `yaml:"trading"`

	// 事前风控配置
	Risk struct {
		MaxOpenPositions       int     `yaml:"max_open_positions"`       // 最大同时持仓数，默认5
		MaxPositionSizePct     float64 `yaml:"max_position_size_pct"`    // 单仓市值占组合上限（如 0.10），默认0.10
		MaxRiskPerTradePct     float64 `yaml:"max_risk_per_trade_pct"`   // 单笔美元风险占组合上限，默认0.01
		MaxSectorConcentration int     `yaml:"max_sector_concentration"` // 单行业最大持仓数，默认3
		MaxSectorValuePct      float64 `yaml:"max_sector_value_pct"`     // 单行业市值占比上限，默认0.30
		DailyLossLimitPct      float64 `yaml:"daily_loss_limit_pct"`     // 当日亏损暂停阈值（百分点），默认3
		MaxDrawdownAlertPct    float64 `yaml:"max_drawdown_alert_pct"`   // 组合回撤告警阈值（如 0.15）
		SentinelIntervalS      int     `yaml:"sentinel_interval_s"`      // 组合风险巡检间隔（秒），默认300
		StreakLookbackTrades   int     `yaml:"streak_lookback_trades"`   // 连亏统计回看的成交数，默认50

		LosingStreak struct {
			Threshold int     `yaml:"threshold"` // 每多少连亏降一档仓位，0表示禁用
			Factor    float64 `yaml:"factor"`    // 降档系数（如 0.5）
		} `yaml:"losing_streak"`

		Sectors map[string]string `yaml:"sectors"` // 股票代码→行业标签，未配置的股票跳过行业集中度检查
	} `yaml:"risk"`

	// 平仓后保护机制配置
	Protection struct {
		Enabled         bool                `yaml:"enabled"`          // 总开关，默认true
		CooldownMinutes int                 `yaml:"cooldown_minutes"` // 每次平仓后的冷却锁定（分钟），0表示禁用
		StoplossGuard   StoplossGuardConfig `yaml:"stoploss_guard"`
		MaxDrawdown     MaxDrawdownConfig   `yaml:"max_drawdown"`
		LowProfitPairs  LowProfitPairsConfig `yaml:"low_profit_pairs"`
	} `yaml:"protection"`

	// 分批止盈配置
	PartialExits struct {
		Enabled             bool       `yaml:"enabled"`
		Tiers               []ExitTier `yaml:"tiers"`                 // 按涨幅升序排列
		MoveStopToBreakeven bool       `yaml:"move_stop_to_breakeven"` // 首次分批后上移止损到买入价
		BreakevenDelayMs    int        `yaml:"breakeven_delay_ms"`    // 撤销旧止损到重挂之间的间隔（毫秒），默认500
		CheckIntervalS      int        `yaml:"check_interval_s"`      // 持仓轮询间隔（秒），默认30
	} `yaml:"partial_exits"`

	// 实时行情流配置
	QuoteStream struct {
		Enabled           bool   `yaml:"enabled"`
		URL               string `yaml:"url"`                  // 默认 Alpaca IEX 数据流
		StaleAfterSeconds int    `yaml:"stale_after_seconds"`  // 缓存价格过期时间（秒），默认10
		ReconnectDelaySec int    `yaml:"reconnect_delay_sec"`  // 断线重连等待（秒），默认5
		WriteWaitSec      int    `yaml:"write_wait_sec"`       // 写入超时（秒），默认10
		PongWaitSec       int    `yaml:"pong_wait_sec"`        // PONG等待（秒），默认60
		PingIntervalSec   int    `yaml:"ping_interval_sec"`    // PING间隔（秒），默认20
	} `yaml:"quote_stream"`

	// 系统配置
	System struct {
		LogLevel         string `yaml:"log_level"`
		Timezone         string `yaml:"timezone"`     // 时区，如 "America/New_York"
		LogLanguage      string `yaml:"log_language"` // 日志语言，如 "zh-CN" 或 "en-US"
		LogRetentionDays int    `yaml:"log_retention_days"` // 日志保留天数（默认30天，0表示不清理）
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/stockpilot.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署时串行化同一股票的下单）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Type       string `yaml:"type"`        // 锁类型: redis，默认 redis
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "stockpilot:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 日志存储配置
	Storage struct {
		Enabled       bool   `yaml:"enabled"`
		Type          string `yaml:"type"`           // sqlite
		Path          string `yaml:"path"`           // 数据库文件路径
		BufferSize    int    `yaml:"buffer_size"`    // 缓冲区大小（默认1000）
		BatchSize     int    `yaml:"batch_size"`     // 批量写入大小（默认100）
		FlushInterval int    `yaml:"flush_interval"` // 刷新间隔（秒，默认5）
	} `yaml:"storage"`

	// Web 服务配置（运维接口）
	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`    // 监听地址（默认 0.0.0.0）
		Port    int    `yaml:"port"`    // 监听端口（默认 28800）
		APIKey  string `yaml:"api_key"` // API 密钥（可选，用于认证）
	} `yaml:"web"`

	// 事件中心配置
	EventCenter struct {
		Enabled    bool `yaml:"enabled"`     // 默认true
		BufferSize int  `yaml:"buffer_size"` // 事件队列长度，默认256
		RecentSize int  `yaml:"recent_size"` // 近期事件环形缓存，默认200
	} `yaml:"event_center"`

	// 监控配置
	Metrics struct {
		Enabled         bool `yaml:"enabled"`
		CollectInterval int  `yaml:"collect_interval"` // 收集间隔（秒，默认60）
	} `yaml:"metrics"`

	// 看门狗配置
	Watchdog struct {
		Enabled bool `yaml:"enabled"`

		Sampling struct {
			Interval int `yaml:"interval"` // 采样间隔（秒，默认120）
		} `yaml:"sampling"`

		Thresholds struct {
			CPUPercent float64 `yaml:"cpu_percent"` // CPU占用超过此值时告警，默认80
			MemoryMB   float64 `yaml:"memory_mb"`   // 内存占用超过此值时告警（0表示不检查）
		} `yaml:"thresholds"`

		CooldownMinutes int `yaml:"cooldown_minutes"` // 告警冷却时间（分钟，默认30）
	} `yaml:"watchdog"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %v", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}

	return nil
}

// CreateMinimalConfig 创建最小化配置（首次启动时生成）
func CreateMinimalConfig() *Config {
	cfg := &Config{}

	cfg.Broker.Provider = "alpaca"
	cfg.Broker.Paper = true

	cfg.Trading.Mode = "dry_run"
	cfg.Trading.Symbols = []string{}
	cfg.Trading.OrderTimeoutSeconds = 30
	cfg.Trading.FillPollIntervalMs = 1000
	cfg.Trading.OrdersPerSecond = 2
	cfg.Trading.OrderRateBurst = 4
	cfg.Trading.LockSweepIntervalS = 60
	cfg.Trading.SymbolLockTTLSec = 120
	cfg.Trading.DefaultStopLossPct = 0.05
	cfg.Trading.DefaultTakeProfit = 0.10

	cfg.Risk.MaxOpenPositions = 5
	cfg.Risk.MaxPositionSizePct = 0.10
	cfg.Risk.MaxRiskPerTradePct = 0.01
	cfg.Risk.MaxSectorConcentration = 3
	cfg.Risk.MaxSectorValuePct = 0.30
	cfg.Risk.DailyLossLimitPct = 3
	cfg.Risk.MaxDrawdownAlertPct = 0.15
	cfg.Risk.SentinelIntervalS = 300
	cfg.Risk.StreakLookbackTrades = 50
	cfg.Risk.LosingStreak.Threshold = 3
	cfg.Risk.LosingStreak.Factor = 0.5

	cfg.Protection.Enabled = true
	cfg.Protection.CooldownMinutes = 5
	cfg.Protection.StoplossGuard = StoplossGuardConfig{
		Enabled: true, LookbackMinutes: 60, TradeLimit: 3, LockMinutes: 60, OnlyPerPair: false,
	}
	cfg.Protection.MaxDrawdown = MaxDrawdownConfig{
		Enabled: true, LookbackMinutes: 1440, MaxDrawdownPct: 10, LockMinutes: 120,
	}
	cfg.Protection.LowProfitPairs = LowProfitPairsConfig{
		Enabled: true, LookbackMinutes: 1440, TradeLimit: 3, MinProfit: 0, LockMinutes: 120,
	}

	cfg.PartialExits.Enabled = true
	cfg.PartialExits.Tiers = []ExitTier{
		{GainPct: 0.05, SellFraction: 0.5},
		{GainPct: 0.10, SellFraction: 0.25},
	}
	cfg.PartialExits.MoveStopToBreakeven = true
	cfg.PartialExits.BreakevenDelayMs = 500
	cfg.PartialExits.CheckIntervalS = 30

	cfg.QuoteStream.Enabled = false
	cfg.QuoteStream.URL = "wss://stream.data.alpaca.markets/v2/iex"
	cfg.QuoteStream.StaleAfterSeconds = 10
	cfg.QuoteStream.ReconnectDelaySec = 5
	cfg.QuoteStream.WriteWaitSec = 10
	cfg.QuoteStream.PongWaitSec = 60
	cfg.QuoteStream.PingIntervalSec = 20

	cfg.System.LogLevel = "INFO"
	cfg.System.Timezone = "America/New_York"
	cfg.System.LogLanguage = "zh-CN"
	cfg.System.LogRetentionDays = 30

	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = "./data/stockpilot.db"
	cfg.Database.MaxOpenConns = 100
	cfg.Database.MaxIdleConns = 10
	cfg.Database.ConnMaxLifetime = 3600
	cfg.Database.LogLevel = "error"

	cfg.Storage.Enabled = true
	cfg.Storage.Type = "sqlite"
	cfg.Storage.Path = "./data/stockpilot-logs.db"
	cfg.Storage.BufferSize = 1000
	cfg.Storage.BatchSize = 100
	cfg.Storage.FlushInterval = 5

	cfg.Web.Enabled = true
	cfg.Web.Host = "0.0.0.0"
	cfg.Web.Port = 28800
	cfg.Web.APIKey = ""

	cfg.EventCenter.Enabled = true
	cfg.EventCenter.BufferSize = 256
	cfg.EventCenter.RecentSize = 200

	cfg.Metrics.Enabled = true
	cfg.Metrics.CollectInterval = 60

	cfg.Watchdog.Enabled = true
	cfg.Watchdog.Sampling.Interval = 120
	cfg.Watchdog.Thresholds.CPUPercent = 80
	cfg.Watchdog.Thresholds.MemoryMB = 1024
	cfg.Watchdog.CooldownMinutes = 30

	return cfg
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	// ==== 券商配置 ====
	if c.Broker.Provider == "" {
		c.Broker.Provider = "alpaca"
	}
	if c.Broker.Provider != "alpaca" {
		return fmt.Errorf("不支持的券商类型: %s", c.Broker.Provider)
	}
	// 密钥缺省时回退到 Alpaca 官方环境变量
	if c.Broker.APIKey == "" {
		c.Broker.APIKey = os.Getenv("APCA_API_KEY_ID")
	}
	if c.Broker.APISecret == "" {
		c.Broker.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	}

	// ==== 交易配置 ====
	if c.Trading.Mode == "" {
		c.Trading.Mode = "dry_run"
	}
	c.Trading.Mode = strings.ToLower(c.Trading.Mode)
	if c.Trading.Mode != "dry_run" && c.Trading.Mode != "live" {
		return fmt.Errorf("无效的执行模式: %s（支持 dry_run, live）", c.Trading.Mode)
	}
	if c.Trading.Mode == "live" && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		return fmt.Errorf("live 模式需要配置券商 API 密钥")
	}
	if c.Trading.OrderTimeoutSeconds <= 0 {
		c.Trading.OrderTimeoutSeconds = 30
	}
	if c.Trading.FillPollIntervalMs <= 0 {
		c.Trading.FillPollIntervalMs = 1000
	}
	if c.Trading.OrdersPerSecond <= 0 {
		c.Trading.OrdersPerSecond = 2
	}
	if c.Trading.OrderRateBurst <= 0 {
		c.Trading.OrderRateBurst = 4
	}
	if c.Trading.LockSweepIntervalS <= 0 {
		c.Trading.LockSweepIntervalS = 60
	}
	if c.Trading.SymbolLockTTLSec <= 0 {
		c.Trading.SymbolLockTTLSec = 120
	}
	if c.Trading.DefaultStopLossPct <= 0 {
		c.Trading.DefaultStopLossPct = 0.05
	}
	if c.Trading.DefaultStopLossPct >= 1 {
		return fmt.Errorf("默认止损比例必须在 (0, 1) 区间: %.2f", c.Trading.DefaultStopLossPct)
	}
	if c.Trading.DefaultTakeProfit < 0 {
		return fmt.Errorf("默认止盈比例不能为负数: %.2f", c.Trading.DefaultTakeProfit)
	}

	// ==== 风控配置 ====
	if c.Risk.MaxOpenPositions <= 0 {
		c.Risk.MaxOpenPositions = 5
	}
	if c.Risk.MaxPositionSizePct <= 0 {
		c.Risk.MaxPositionSizePct = 0.10
	}
	if c.Risk.MaxRiskPerTradePct <= 0 {
		c.Risk.MaxRiskPerTradePct = 0.01
	}
	if c.Risk.MaxSectorConcentration <= 0 {
		c.Risk.MaxSectorConcentration = 3
	}
	if c.Risk.MaxSectorValuePct <= 0 {
		c.Risk.MaxSectorValuePct = 0.30
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		c.Risk.DailyLossLimitPct = 3
	}
	if c.Risk.MaxDrawdownAlertPct <= 0 {
		c.Risk.MaxDrawdownAlertPct = 0.15
	}
	if c.Risk.SentinelIntervalS <= 0 {
		c.Risk.SentinelIntervalS = 300
	}
	if c.Risk.StreakLookbackTrades <= 0 {
		c.Risk.StreakLookbackTrades = 50
	}
	if c.Risk.LosingStreak.Threshold < 0 {
		return fmt.Errorf("连亏阈值不能为负数: %d", c.Risk.LosingStreak.Threshold)
	}
	if c.Risk.LosingStreak.Factor < 0 || c.Risk.LosingStreak.Factor > 1 {
		return fmt.Errorf("连亏降档系数必须在 [0, 1] 区间: %.2f", c.Risk.LosingStreak.Factor)
	}

	// ==== 保护机制配置 ====
	if c.Protection.StoplossGuard.LookbackMinutes <= 0 {
		c.Protection.StoplossGuard.LookbackMinutes = 60
	}
	if c.Protection.StoplossGuard.TradeLimit <= 0 {
		c.Protection.StoplossGuard.TradeLimit = 3
	}
	if c.Protection.StoplossGuard.LockMinutes <= 0 {
		c.Protection.StoplossGuard.LockMinutes = 60
	}
	if c.Protection.MaxDrawdown.LookbackMinutes <= 0 {
		c.Protection.MaxDrawdown.LookbackMinutes = 1440
	}
	if c.Protection.MaxDrawdown.MaxDrawdownPct <= 0 {
		c.Protection.MaxDrawdown.MaxDrawdownPct = 10
	}
	if c.Protection.MaxDrawdown.LockMinutes <= 0 {
		c.Protection.MaxDrawdown.LockMinutes = 120
	}
	if c.Protection.LowProfitPairs.LookbackMinutes <= 0 {
		c.Protection.LowProfitPairs.LookbackMinutes = 1440
	}
	if c.Protection.LowProfitPairs.TradeLimit <= 0 {
		c.Protection.LowProfitPairs.TradeLimit = 3
	}
	if c.Protection.LowProfitPairs.LockMinutes <= 0 {
		c.Protection.LowProfitPairs.LockMinutes = 120
	}

	// ==== 分批止盈配置 ====
	if c.PartialExits.Enabled {
		if len(c.PartialExits.Tiers) == 0 {
			return fmt.Errorf("启用分批止盈时必须配置至少一个档位")
		}
		prev := 0.0
		for i, tier := range c.PartialExits.Tiers {
			if tier.GainPct <= 0 {
				return fmt.Errorf("档位 %d 的涨幅阈值必须大于0: %.4f", i, tier.GainPct)
			}
			if tier.GainPct <= prev && i > 0 {
				return fmt.Errorf("档位必须按涨幅升序排列（档位 %d）", i)
			}
			if tier.SellFraction <= 0 || tier.SellFraction >= 1 {
				return fmt.Errorf("档位 %d 的卖出比例必须在 (0, 1) 区间: %.4f", i, tier.SellFraction)
			}
			prev = tier.GainPct
		}
	}
	if c.PartialExits.BreakevenDelayMs <= 0 {
		c.PartialExits.BreakevenDelayMs = 500
	}
	if c.PartialExits.CheckIntervalS <= 0 {
		c.PartialExits.CheckIntervalS = 30
	}

	// ==== 行情流配置 ====
	if c.QuoteStream.URL == "" {
		c.QuoteStream.URL = "wss://stream.data.alpaca.markets/v2/iex"
	}
	if c.QuoteStream.StaleAfterSeconds <= 0 {
		c.QuoteStream.StaleAfterSeconds = 10
	}
	if c.QuoteStream.ReconnectDelaySec <= 0 {
		c.QuoteStream.ReconnectDelaySec = 5
	}
	if c.QuoteStream.WriteWaitSec <= 0 {
		c.QuoteStream.WriteWaitSec = 10
	}
	if c.QuoteStream.PongWaitSec <= 0 {
		c.QuoteStream.PongWaitSec = 60
	}
	if c.QuoteStream.PingIntervalSec <= 0 {
		c.QuoteStream.PingIntervalSec = 20
	}

	// ==== 系统配置 ====
	if c.System.Timezone == "" {
		c.System.Timezone = "America/New_York" // 默认美东时区
	}
	if c.System.LogRetentionDays <= 0 {
		c.System.LogRetentionDays = 30
	}

	// ==== 数据库配置 ====
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		if c.Database.Type == "sqlite" {
			c.Database.DSN = "./data/stockpilot.db"
		} else {
			return fmt.Errorf("数据库类型 %s 必须配置 DSN", c.Database.Type)
		}
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	// ==== 分布式锁配置 ====
	// 默认不启用（单实例模式）
	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "redis"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "stockpilot:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	// ==== 日志存储配置 ====
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/stockpilot-logs.db"
	}
	if c.Storage.BufferSize <= 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize <= 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval <= 0 {
		c.Storage.FlushInterval = 5
	}

	// ==== Web 服务配置 ====
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 28800 // 使用10000以上端口，避免常见端口冲突
	}

	// ==== 事件中心配置 ====
	if c.EventCenter.BufferSize <= 0 {
		c.EventCenter.BufferSize = 256
	}
	if c.EventCenter.RecentSize <= 0 {
		c.EventCenter.RecentSize = 200
	}

	// ==== 监控配置 ====
	if c.Metrics.CollectInterval <= 0 {
		c.Metrics.CollectInterval = 60
	}

	// ==== 看门狗配置 ====
	if c.Watchdog.Sampling.Interval <= 0 {
		c.Watchdog.Sampling.Interval = 120
	}
	if c.Watchdog.Thresholds.CPUPercent <= 0 {
		c.Watchdog.Thresholds.CPUPercent = 80
	}
	if c.Watchdog.CooldownMinutes <= 0 {
		c.Watchdog.CooldownMinutes = 30
	}

	return nil
}

// AccountScope 返回交易记录的账户归属（paper 或 live）
func (c *Config) AccountScope() string {
	if c.Trading.Mode == "dry_run" || c.Broker.Paper {
		return "paper"
	}
	return "live"
}
