package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Broker.Provider = "alpaca"
	cfg.Broker.APIKey = "test_key"
	cfg.Broker.APISecret = "test_secret"
	cfg.Broker.Paper = true
	cfg.Trading.Mode = "dry_run"
	cfg.Trading.Symbols = []string{"AAPL", "MSFT"}
	cfg.PartialExits.Enabled = true
	cfg.PartialExits.Tiers = []ExitTier{
		{GainPct: 0.05, SellFraction: 0.5},
		{GainPct: 0.10, SellFraction: 0.25},
	}

	// 热更新和备份测试依赖的字段
	cfg.Storage.Path = "./test_data/stockpilot-logs.db"
	cfg.Web.Port = 28800

	return cfg
}

func TestConfigValidate(t *testing.T) {
	// 测试有效配置
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	// 测试无效的交易模式
	invalidCfg1 := createValidConfig()
	invalidCfg1.Trading.Mode = "backtest"
	if err := invalidCfg1.Validate(); err == nil {
		t.Error("无效交易模式应该报错")
	}

	// 测试实盘模式缺少密钥
	invalidCfg2 := createValidConfig()
	invalidCfg2.Trading.Mode = "live"
	invalidCfg2.Broker.APIKey = ""
	invalidCfg2.Broker.APISecret = ""
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	if err := invalidCfg2.Validate(); err == nil {
		t.Error("实盘模式缺少API密钥应该报错")
	}

	// 测试分批止盈档位必须递增
	invalidCfg3 := createValidConfig()
	invalidCfg3.PartialExits.Tiers = []ExitTier{
		{GainPct: 0.10, SellFraction: 0.5},
		{GainPct: 0.05, SellFraction: 0.25},
	}
	if err := invalidCfg3.Validate(); err == nil {
		t.Error("档位涨幅未递增应该报错")
	}

	// 测试卖出比例范围
	invalidCfg4 := createValidConfig()
	invalidCfg4.PartialExits.Tiers = []ExitTier{
		{GainPct: 0.05, SellFraction: 1.5},
	}
	if err := invalidCfg4.Validate(); err == nil {
		t.Error("卖出比例超过1应该报错")
	}

	// 测试默认值设置
	cfgWithDefaults := createValidConfig()
	cfgWithDefaults.Trading.OrderTimeoutSeconds = 0
	cfgWithDefaults.Trading.FillPollIntervalMs = 0
	if err := cfgWithDefaults.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfgWithDefaults.Trading.OrderTimeoutSeconds != 30 {
		t.Errorf("期望默认订单超时为30秒, 得到 %d", cfgWithDefaults.Trading.OrderTimeoutSeconds)
	}
	if cfgWithDefaults.Trading.FillPollIntervalMs != 1000 {
		t.Errorf("期望默认成交轮询间隔为1000毫秒, 得到 %d", cfgWithDefaults.Trading.FillPollIntervalMs)
	}
}

func TestAccountScope(t *testing.T) {
	cfg := createValidConfig()

	cfg.Broker.Paper = true
	if scope := cfg.AccountScope(); scope != "paper" {
		t.Errorf("模拟盘账户范围应为 paper, 得到 %s", scope)
	}

	cfg.Broker.Paper = false
	if scope := cfg.AccountScope(); scope != "live" {
		t.Errorf("实盘账户范围应为 live, 得到 %s", scope)
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	yamlContent := `
broker:
  provider: "alpaca"
  api_key: "test_key"
  api_secret: "test_secret"
  paper: true
trading:
  mode: "dry_run"
  symbols: ["AAPL"]
partial_exits:
  enabled: true
  tiers:
    - gain_pct: 0.05
      sell_fraction: 0.5
`
	cfg, err := LoadConfigFromBytes([]byte(yamlContent))
	if err != nil {
		t.Fatalf("解析配置失败: %v", err)
	}

	if cfg.Trading.Mode != "dry_run" {
		t.Errorf("交易模式解析错误: %s", cfg.Trading.Mode)
	}
	if len(cfg.Trading.Symbols) != 1 || cfg.Trading.Symbols[0] != "AAPL" {
		t.Errorf("交易标的解析错误: %v", cfg.Trading.Symbols)
	}
	if len(cfg.PartialExits.Tiers) != 1 || cfg.PartialExits.Tiers[0].SellFraction != 0.5 {
		t.Errorf("分批止盈档位解析错误: %v", cfg.PartialExits.Tiers)
	}

	// 未填写的字段应补默认值
	if cfg.Trading.DefaultStopLossPct != 0.05 {
		t.Errorf("期望默认止损比例为0.05, 得到 %.4f", cfg.Trading.DefaultStopLossPct)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("期望默认数据库类型为sqlite, 得到 %s", cfg.Database.Type)
	}
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()

	// 1. 无变更
	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个", len(diff.Changes))
	}

	// 2. 修改热更新项 (default_stop_loss_pct)
	newCfg.Trading.DefaultStopLossPct = 0.08
	diff = DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 1 {
		t.Errorf("预期1个变更，得到 %d 个", len(diff.Changes))
	}
	if diff.RequiresRestart {
		t.Error("修改 default_stop_loss_pct 不应需要重启")
	}

	// 3. 修改需要重启的项 (web.port)
	newCfg.Web.Port = 9999
	diff = DiffConfig(oldCfg, newCfg)
	foundRestart := false
	for _, c := range diff.Changes {
		if c.Path == "web.port" && c.RequiresRestart {
			foundRestart = true
		}
	}
	if !foundRestart {
		t.Error("修改 web.port 应该标记为需要重启")
	}

	// 4. 股票列表作为整体比较，只产生一条变更
	newCfg = createValidConfig()
	newCfg.Trading.Symbols = []string{"AAPL", "MSFT", "NVDA"}
	diff = DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "trading.symbols" {
		t.Errorf("股票列表变更应为单条 trading.symbols，实际 %+v", diff.Changes)
	}

	// 5. 多处变更时按路径排序
	newCfg = createValidConfig()
	newCfg.Web.Port = 9999
	newCfg.Risk.MaxOpenPositions = 3
	diff = DiffConfig(oldCfg, newCfg)
	for i := 1; i < len(diff.Changes); i++ {
		if diff.Changes[i-1].Path > diff.Changes[i].Path {
			t.Errorf("变更列表应按路径排序: %s > %s", diff.Changes[i-1].Path, diff.Changes[i].Path)
		}
	}
}

func TestHotReloader(t *testing.T) {
	initialCfg := createValidConfig()
	reloader := NewHotReloader(initialCfg)

	callbackCalled := false
	reloader.RegisterCallback("测试回调", func(oldConfig, newConfig *Config, changes []ConfigChange) error {
		callbackCalled = true
		return nil
	})

	newCfg := createValidConfig()
	newCfg.Risk.MaxOpenPositions = 8

	_, err := reloader.UpdateConfig(newCfg)
	if err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	if !callbackCalled {
		t.Error("热更新回调未被触发")
	}

	if reloader.GetCurrentConfig().Risk.MaxOpenPositions != 8 {
		t.Errorf("配置未更新: %d", reloader.GetCurrentConfig().Risk.MaxOpenPositions)
	}
}

func TestHotReloaderPartialApply(t *testing.T) {
	reloader := NewHotReloader(createValidConfig())

	// 同时改一个可热更新项和一个需要重启的项
	newCfg := createValidConfig()
	newCfg.Risk.MaxOpenPositions = 8
	newCfg.Web.Port = 9999

	diff, err := reloader.UpdateConfig(newCfg)
	if err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	if !diff.RequiresRestart {
		t.Error("包含 web.port 的变更应标记需要重启")
	}

	current := reloader.GetCurrentConfig()
	if current.Risk.MaxOpenPositions != 8 {
		t.Errorf("可热更新项应已生效，实际 %d", current.Risk.MaxOpenPositions)
	}
	if current.Web.Port != 28800 {
		t.Errorf("需要重启的项不应生效，实际 %d", current.Web.Port)
	}
}

func TestHotReloaderCallbackFailure(t *testing.T) {
	reloader := NewHotReloader(createValidConfig())

	secondCalled := false
	reloader.RegisterCallback("失败的回调", func(oldConfig, newConfig *Config, changes []ConfigChange) error {
		return os.ErrPermission
	})
	reloader.RegisterCallback("正常的回调", func(oldConfig, newConfig *Config, changes []ConfigChange) error {
		secondCalled = true
		return nil
	})

	newCfg := createValidConfig()
	newCfg.Risk.MaxOpenPositions = 8

	_, err := reloader.UpdateConfig(newCfg)
	if err == nil {
		t.Fatal("回调失败时应返回错误")
	}
	if !strings.Contains(err.Error(), "失败的回调") {
		t.Errorf("错误信息应包含回调名，实际: %v", err)
	}
	if !secondCalled {
		t.Error("单个回调失败不应阻断其余回调")
	}
	if reloader.GetCurrentConfig().Risk.MaxOpenPositions == 8 {
		t.Error("回调失败时配置不应切换")
	}
}

func TestConfigBackup(t *testing.T) {
	tempDir := t.TempDir()
	backupDir := filepath.Join(tempDir, "backups")

	bm := &BackupManager{
		backupDir:  backupDir,
		maxBackups: 5,
	}

	testConfigPath := filepath.Join(tempDir, "test_config.yaml")
	testConfigContent := "broker:\n  provider: \"alpaca\"\n"
	err := os.WriteFile(testConfigPath, []byte(testConfigContent), 0644)
	if err != nil {
		t.Fatal(err)
	}

	// 卡过秒界再开始，保证两次备份落在同一秒内
	if wait := time.Until(time.Now().Truncate(time.Second).Add(time.Second)); wait < 100*time.Millisecond {
		time.Sleep(wait)
	}

	backupInfo, err := bm.CreateBackup(testConfigPath)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(backupInfo.FilePath); os.IsNotExist(err) {
		t.Fatal("备份文件不存在")
	}

	// 同一秒内的重复备份复用已有文件
	again, err := bm.CreateBackup(testConfigPath)
	if err != nil {
		t.Fatalf("重复备份失败: %v", err)
	}
	if again.ID != backupInfo.ID {
		t.Errorf("同一秒的备份应复用文件: %s != %s", again.ID, backupInfo.ID)
	}

	backups, err := bm.ListBackups()
	if err != nil {
		t.Fatalf("列出备份失败: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("备份列表数量不正确: 期望1个，实际%d个", len(backups))
	}

	// 恢复到新路径，内容应与原配置一致
	restorePath := filepath.Join(tempDir, "restored.yaml")
	if err := bm.RestoreBackup(backupInfo.ID, restorePath); err != nil {
		t.Fatalf("恢复备份失败: %v", err)
	}
	restored, err := os.ReadFile(restorePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != testConfigContent {
		t.Errorf("恢复的内容与原配置不一致: %q", restored)
	}
}
