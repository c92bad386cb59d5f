package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"    // 新增
	ChangeTypeModified ChangeType = "modified" // 修改
	ChangeTypeDeleted  ChangeType = "deleted"  // 删除
)

// ConfigChange 单项配置变更
type ConfigChange struct {
	Path            string      `json:"path"`             // 配置路径（如 "trading.order_timeout_seconds"）
	Type            ChangeType  `json:"type"`             // 变更类型
	OldValue        interface{} `json:"old_value"`        // 旧值
	NewValue        interface{} `json:"new_value"`        // 新值
	RequiresRestart bool        `json:"requires_restart"` // 是否需要重启
}

// ConfigDiff 两份配置之间的全部差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`          // 变更列表
	RequiresRestart bool           `json:"requires_restart"` // 是否有需要重启的变更
}

// 改了就必须重启才能生效的配置段（按路径前缀匹配）
var restartPrefixes = []string{
	"broker",               // 券商连接参数（密钥、地址、账户类型）
	"database",             // 数据库连接
	"distributed_lock",     // 分布式锁连接
	"event_center",         // 事件中心初始化参数
	"quote_stream.enabled", // 行情流开关
	"quote_stream.url",     // 行情流地址
	"storage.path",         // 日志存储路径
	"storage.type",         // 日志存储类型
	"system.timezone",      // 系统时区
	"trading.mode",         // 执行模式切换
	"web.host",             // Web服务地址
	"web.port",             // Web服务端口
}

// DiffConfig 对比两份配置，差异按路径排序返回
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	changes := []ConfigChange{}
	diffValue("", reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), &changes)

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	diff := &ConfigDiff{Changes: changes}
	for _, c := range changes {
		if c.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// diffValue 递归对比两个值，差异追加到 changes
func diffValue(path string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	oldVal = indirect(oldVal)
	newVal = indirect(newVal)

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case oldVal.IsValid() && !newVal.IsValid():
		record(changes, path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid() && newVal.IsValid():
		record(changes, path, ChangeTypeAdded, nil, newVal.Interface())
		return
	case oldVal.Type() != newVal.Type():
		record(changes, path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		diffStruct(path, oldVal, newVal, changes)
	case reflect.Map:
		diffMap(path, oldVal, newVal, changes)
	default:
		// 切片与基本类型整体比较；配置里的切片（股票列表、止盈档位）
		// 逐元素的差异路径没有意义
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			record(changes, path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

// diffStruct 逐字段对比，路径按 yaml 标签拼接
func diffStruct(basePath string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	typ := oldVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue
		}

		// 没有 yaml 标签的字段不来自配置文件，跳过
		tag := field.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = strings.ToLower(field.Name)
		}

		fieldPath := name
		if basePath != "" {
			fieldPath = basePath + "." + name
		}
		diffValue(fieldPath, oldVal.Field(i), newVal.Field(i), changes)
	}
}

// diffMap 对比 map 的键集合与对应值
func diffMap(basePath string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	join := func(key reflect.Value) string {
		k := fmt.Sprintf("%v", key.Interface())
		if basePath == "" {
			return k
		}
		return basePath + "." + k
	}

	for _, key := range oldVal.MapKeys() {
		if newElem := newVal.MapIndex(key); newElem.IsValid() {
			diffValue(join(key), oldVal.MapIndex(key), newElem, changes)
		} else {
			record(changes, join(key), ChangeTypeDeleted, oldVal.MapIndex(key).Interface(), nil)
		}
	}
	for _, key := range newVal.MapKeys() {
		if !oldVal.MapIndex(key).IsValid() {
			record(changes, join(key), ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
		}
	}
}

// indirect 解引用指针和接口，nil 返回零值
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func record(changes *[]ConfigChange, path string, typ ChangeType, oldValue, newValue interface{}) {
	*changes = append(*changes, ConfigChange{
		Path:            path,
		Type:            typ,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

// requiresRestart 判断配置路径是否需要重启才能生效
func requiresRestart(path string) bool {
	for _, prefix := range restartPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}
