package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigUpdateCallback 配置更新回调
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// HotReloader 配置热更新器
//
// 维护当前生效的配置。新配置先对比出变更，可热更新的部分合入生效并
// 通知各回调；需要重启的字段保持旧值，由返回的差异告知调用方。
type HotReloader struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []namedCallback
}

type namedCallback struct {
	name string
	fn   ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initial *Config) *HotReloader {
	return &HotReloader{current: initial}
}

// RegisterCallback 注册配置更新回调，name 用于失败时定位
func (hr *HotReloader) RegisterCallback(name string, fn ConfigUpdateCallback) {
	hr.mu.Lock()
	hr.callbacks = append(hr.callbacks, namedCallback{name: name, fn: fn})
	hr.mu.Unlock()
}

// UpdateConfig 应用新配置，返回的差异描述全部变更
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.current, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	applied := newConfig
	if diff.RequiresRestart {
		// 有需要重启的变更时，只把可热更新的部分合入当前配置
		var err error
		if applied, err = hr.mergeHotReloadable(newConfig, diff.Changes); err != nil {
			return nil, err
		}
	}

	if err := hr.notify(hr.current, applied, diff.Changes); err != nil {
		return nil, err
	}

	hr.current = applied
	return diff, nil
}

// mergeHotReloadable 在当前配置的副本上套用可热更新的变更
func (hr *HotReloader) mergeHotReloadable(newConfig *Config, changes []ConfigChange) (*Config, error) {
	merged, err := cloneConfig(hr.current)
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	for _, change := range changes {
		if !change.RequiresRestart {
			copyConfigSection(merged, newConfig, change.Path)
		}
	}
	return merged, nil
}

// copyConfigSection 按路径把新配置的对应配置段复制到目标配置
// 变更粒度到配置段级别，单个字段的精确复制没有必要
func copyConfigSection(dest, src *Config, path string) {
	switch {
	case strings.HasPrefix(path, "trading."):
		dest.Trading = src.Trading
	case strings.HasPrefix(path, "risk."):
		dest.Risk = src.Risk
	case strings.HasPrefix(path, "protection."):
		dest.Protection = src.Protection
	case strings.HasPrefix(path, "partial_exits"):
		dest.PartialExits = src.PartialExits
	case strings.HasPrefix(path, "quote_stream."):
		dest.QuoteStream = src.QuoteStream
	case strings.HasPrefix(path, "system."):
		dest.System = src.System
	case strings.HasPrefix(path, "metrics."):
		dest.Metrics = src.Metrics
	case strings.HasPrefix(path, "watchdog."):
		dest.Watchdog = src.Watchdog
	case strings.HasPrefix(path, "web.api_key"):
		dest.Web.APIKey = src.Web.APIKey
	case strings.HasPrefix(path, "storage."):
		dest.Storage = src.Storage
	}
}

// notify 依次触发全部回调；单个回调失败不阻断其余回调
// 任一回调失败时当前配置不切换，等下一次成功的更新覆盖
func (hr *HotReloader) notify(oldConfig, newConfig *Config, changes []ConfigChange) error {
	var errs []error
	for _, cb := range hr.callbacks {
		if err := cb.fn(oldConfig, newConfig, changes); err != nil {
			errs = append(errs, fmt.Errorf("回调 %s 执行失败: %w", cb.name, err))
		}
	}
	return errors.Join(errs...)
}

// GetCurrentConfig 获取当前生效的配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.current
}

// cloneConfig 通过 YAML 序列化实现配置深拷贝
func cloneConfig(config *Config) (*Config, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, err
	}

	var cloned Config
	if err := yaml.Unmarshal(data, &cloned); err != nil {
		return nil, err
	}
	return &cloned, nil
}
