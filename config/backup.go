package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// BackupDir 备份目录
	BackupDir = "./config_backups"
	// MaxBackups 最大备份数量
	MaxBackups = 50

	backupPrefix  = "config.yaml.backup."
	backupSuffix  = ".yaml"
	backupTimeFmt = "20060102150405"
)

// BackupInfo 备份信息
type BackupInfo struct {
	ID        string    `json:"id"`        // 备份ID（文件名）
	Timestamp time.Time `json:"timestamp"` // 备份时间
	FilePath  string    `json:"file_path"` // 备份文件路径
	Size      int64     `json:"size"`      // 文件大小（字节）
}

// BackupManager 配置备份管理器，按时间戳留存最近若干份配置快照
type BackupManager struct {
	backupDir  string
	maxBackups int
}

// NewBackupManager 创建备份管理器
func NewBackupManager() *BackupManager {
	return &BackupManager{
		backupDir:  BackupDir,
		maxBackups: MaxBackups,
	}
}

// CreateBackup 备份当前配置文件
// 时间戳精确到秒，同一秒内的重复备份直接复用已有文件
func (bm *BackupManager) CreateBackup(configPath string) (*BackupInfo, error) {
	if err := os.MkdirAll(bm.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("创建备份目录失败: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	now := time.Now()
	backupFileName := backupPrefix + now.Format(backupTimeFmt) + backupSuffix
	backupPath := filepath.Join(bm.backupDir, backupFileName)

	file, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return bm.statBackup(backupFileName)
		}
		return nil, fmt.Errorf("创建备份文件失败: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(backupPath)
		return nil, fmt.Errorf("写入备份文件失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("写入备份文件失败: %w", err)
	}

	// 清理失败不影响备份创建
	if err := bm.CleanOldBackups(); err != nil {
		fmt.Printf("警告: 清理旧备份失败: %v\n", err)
	}

	return &BackupInfo{
		ID:        backupFileName,
		Timestamp: now,
		FilePath:  backupPath,
		Size:      int64(len(data)),
	}, nil
}

// statBackup 按文件名组装已存在备份的信息
func (bm *BackupManager) statBackup(backupID string) (*BackupInfo, error) {
	backupPath := filepath.Join(bm.backupDir, backupID)
	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("读取备份文件信息失败: %w", err)
	}
	timestamp, err := parseBackupTimestamp(backupID)
	if err != nil {
		return nil, err
	}
	return &BackupInfo{
		ID:        backupID,
		Timestamp: timestamp,
		FilePath:  backupPath,
		Size:      info.Size(),
	}, nil
}

// ListBackups 列出所有备份，按时间倒序
func (bm *BackupManager) ListBackups() ([]*BackupInfo, error) {
	entries, err := os.ReadDir(bm.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupInfo{}, nil
		}
		return nil, fmt.Errorf("读取备份目录失败: %w", err)
	}

	var backups []*BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// 目录里可能混入无关文件，解析不了时间戳的一律跳过
		if info, err := bm.statBackup(entry.Name()); err == nil {
			backups = append(backups, info)
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RestoreBackup 恢复指定备份到目标路径
func (bm *BackupManager) RestoreBackup(backupID string, targetPath string) error {
	backupPath := filepath.Join(bm.backupDir, backupID)

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("读取备份文件失败: %w", err)
	}

	// 写回前先确认备份内容仍是一份合法配置
	var restored Config
	if err := yaml.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("备份文件格式无效: %w", err)
	}
	if err := restored.Validate(); err != nil {
		return fmt.Errorf("备份配置验证失败: %w", err)
	}

	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return fmt.Errorf("恢复配置文件失败: %w", err)
	}

	return nil
}

// DeleteBackup 删除指定备份
func (bm *BackupManager) DeleteBackup(backupID string) error {
	backupPath := filepath.Join(bm.backupDir, backupID)

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("备份文件不存在: %w", err)
	}
	if err := os.Remove(backupPath); err != nil {
		return fmt.Errorf("删除备份文件失败: %w", err)
	}
	return nil
}

// CleanOldBackups 清理超出数量上限的旧备份
func (bm *BackupManager) CleanOldBackups() error {
	backups, err := bm.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) <= bm.maxBackups {
		return nil
	}

	for _, backup := range backups[bm.maxBackups:] {
		// 删除失败继续处理其余备份
		if err := bm.DeleteBackup(backup.ID); err != nil {
			fmt.Printf("警告: 删除旧备份失败 %s: %v\n", backup.ID, err)
		}
	}
	return nil
}

// parseBackupTimestamp 从备份文件名中解析时间戳
// 格式: config.yaml.backup.20060102150405.yaml
func parseBackupTimestamp(filename string) (time.Time, error) {
	if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, backupSuffix) {
		return time.Time{}, fmt.Errorf("备份文件名格式无效: %s", filename)
	}

	timestampStr := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), backupSuffix)
	if len(timestampStr) != len(backupTimeFmt) {
		return time.Time{}, fmt.Errorf("备份文件名时间戳无效: %s", filename)
	}

	return time.ParseInLocation(backupTimeFmt, timestampStr, time.Local)
}
