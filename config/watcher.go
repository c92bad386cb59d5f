package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay 编辑器保存往往触发连续多个事件，合并为一次处理
const debounceDelay = 200 * time.Millisecond

// ConfigWatcher 配置文件监控器
//
// fsnotify 事件为主，定时比对修改时间兜底（NFS 等场景下 fsnotify 可能失效）。
// 所有变更处理都在 watchLoop 单协程内串行执行。
type ConfigWatcher struct {
	configPath    string
	watcher       *fsnotify.Watcher
	hotReloader   *HotReloader
	backupManager *BackupManager

	watching    atomic.Bool
	lastModTime time.Time

	updates chan *Config
	errs    chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader, backupManager *BackupManager) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	// 监控目录而不是文件本身，编辑器保存时往往是先删后建
	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		configDir, err = os.Getwd()
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("获取当前目录失败: %w", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:    configPath,
		watcher:       watcher,
		hotReloader:   hotReloader,
		backupManager: backupManager,
		lastModTime:   lastModTime,
		updates:       make(chan *Config, 1),
		errs:          make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.watching.Swap(true) {
		return fmt.Errorf("配置监控器已经在运行")
	}

	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		cw.watching.Store(false)
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	if !cw.watching.Swap(false) {
		return nil
	}
	return cw.watcher.Close()
}

// watchLoop 监控循环
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// 防抖定时器：收到事件后重置，静默 debounceDelay 后才真正处理
	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				debounce.Reset(debounceDelay)
			}

		case <-debounce.C:
			cw.handleConfigChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			if cw.fileChanged() {
				cw.handleConfigChange()
			}
		}
	}
}

// fileChanged 比对修改时间，判断文件是否有未处理的变更
func (cw *ConfigWatcher) fileChanged() bool {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		return false
	}
	return info.ModTime().After(cw.lastModTime)
}

// handleConfigChange 重新加载并热更新配置（仅在 watchLoop 协程内调用）
func (cw *ConfigWatcher) handleConfigChange() {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("获取文件信息失败: %w", err))
		return
	}

	// 同一次写入可能同时被事件和兜底检查捕获，按修改时间去重
	modTime := info.ModTime()
	if !modTime.After(cw.lastModTime) {
		return
	}
	cw.lastModTime = modTime

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	// 应用前先备份当前配置，便于回滚
	if cw.backupManager != nil {
		if _, err := cw.backupManager.CreateBackup(cw.configPath); err != nil {
			cw.reportError(fmt.Errorf("创建配置备份失败: %w", err))
		}
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}

	// 有需要重启才能生效的变更时对外通知
	if diff != nil && diff.RequiresRestart {
		select {
		case cw.updates <- newConfig:
		default:
		}
	}
}

// reportError 非阻塞上报错误
func (cw *ConfigWatcher) reportError(err error) {
	select {
	case cw.errs <- err:
	default:
	}
}

// Updates 返回配置更新通道，有需要重启的变更时收到新配置
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updates
}

// Errors 返回热更新过程中的错误通道
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errs
}
