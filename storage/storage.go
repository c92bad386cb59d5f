package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"stockpilot/config"
	"stockpilot/logger"
)

// Storage 事件与监控数据存储接口
type Storage interface {
	SaveEvent(eventType string, data map[string]interface{}) error
	QueryEvents(eventType string, limit, offset int) ([]*Event, error)
	CleanupEvents(beforeTime time.Time) error
	SaveSystemMetrics(metrics *SystemMetrics) error
	SaveDailySystemMetrics(metrics *DailySystemMetrics) error
	QuerySystemMetrics(startTime, endTime time.Time) ([]*SystemMetrics, error)
	QueryDailySystemMetrics(days int) ([]*DailySystemMetrics, error)
	GetLatestSystemMetrics() (*SystemMetrics, error)
	CleanupSystemMetrics(beforeTime time.Time) error
	CleanupDailySystemMetrics(beforeDate time.Time) error
	Close() error
}

// storageEvent 待落盘的一条事件
type storageEvent struct {
	eventType string
	data      map[string]interface{}
}

// StorageService 异步批量落盘的事件存储
//
// 事件先进内存队列，由单个落盘协程攒批写入，调用方永不阻塞；
// 数据库写入失败时降级为本地文件追加，避免丢数据。
type StorageService struct {
	storage      Storage
	cfg          *config.Config
	eventCh      chan *storageEvent
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	stopped      atomic.Bool
	fallbackPath string
}

// NewStorageService 创建存储服务，未启用时返回空壳（GetStorage 为 nil）
func NewStorageService(cfg *config.Config, ctx context.Context) (*StorageService, error) {
	if !cfg.Storage.Enabled {
		return &StorageService{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	ss := &StorageService{
		cfg:          cfg,
		eventCh:      make(chan *storageEvent, cfg.Storage.BufferSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		fallbackPath: "./data/storage_fallback.log",
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	switch cfg.Storage.Type {
	case "sqlite":
		st, err := NewSQLiteStorage(cfg.Storage.Path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("初始化 SQLite 存储失败: %w", err)
		}
		ss.storage = st
	default:
		cancel()
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Storage.Type)
	}

	return ss, nil
}

// GetStorage 返回底层存储供查询接口直接使用，未启用时为 nil
func (ss *StorageService) GetStorage() Storage {
	return ss.storage
}

// Start 启动落盘循环
func (ss *StorageService) Start() {
	if ss.storage == nil {
		return
	}

	go ss.run()
	logger.Info("✅ 存储服务已启动 (类型: %s, 路径: %s)", ss.cfg.Storage.Type, ss.cfg.Storage.Path)
}

// Save 异步保存事件，队列满时丢弃而不阻塞调用方
func (ss *StorageService) Save(eventType string, data map[string]interface{}) {
	if ss.storage == nil || ss.stopped.Load() {
		return
	}

	select {
	case ss.eventCh <- &storageEvent{eventType: eventType, data: data}:
	default:
		logger.Warn("⚠️ 存储队列已满，丢弃事件: %s", eventType)
	}
}

// Stop 停止服务：排空队列、写完缓冲、关闭底层存储
func (ss *StorageService) Stop() {
	if ss.storage == nil {
		return
	}
	if ss.stopped.Swap(true) {
		return
	}

	ss.cancel()

	select {
	case <-ss.done:
	case <-time.After(5 * time.Second):
		logger.Warn("⚠️ 存储服务停止超时，可能有事件未落盘")
	}

	ss.storage.Close()
}

// run 落盘循环：攒够一批或到达刷新间隔就写一次
func (ss *StorageService) run() {
	defer close(ss.done)

	flushInterval := time.Duration(ss.cfg.Storage.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	batchSize := ss.cfg.Storage.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buffer := make([]*storageEvent, 0, batchSize)
	for {
		select {
		case <-ss.ctx.Done():
			// 退出前排空队列里未处理的事件
			for {
				select {
				case ev := <-ss.eventCh:
					buffer = append(buffer, ev)
				default:
					ss.flush(buffer)
					return
				}
			}

		case ev := <-ss.eventCh:
			buffer = append(buffer, ev)
			if len(buffer) >= batchSize {
				ss.flush(buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			ss.flush(buffer)
			buffer = buffer[:0]
		}
	}
}

// flush 把缓冲写入存储，失败时降级写本地文件
func (ss *StorageService) flush(events []*storageEvent) {
	if len(events) == 0 {
		return
	}

	if err := ss.writeBatch(events); err != nil {
		logger.Error("❌ 数据库写入失败: %v", err)
		ss.fallbackToLog(events)
	}
}

func (ss *StorageService) writeBatch(events []*storageEvent) error {
	for _, ev := range events {
		if err := ss.storage.SaveEvent(ev.eventType, ev.data); err != nil {
			return fmt.Errorf("保存 %s 失败: %w", ev.eventType, err)
		}
	}
	return nil
}

// fallbackToLog 数据库不可用时把事件按行追加到本地文件
func (ss *StorageService) fallbackToLog(events []*storageEvent) {
	if err := os.MkdirAll(filepath.Dir(ss.fallbackPath), 0755); err != nil {
		logger.Error("❌ 创建降级目录失败: %v", err)
		return
	}

	f, err := os.OpenFile(ss.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Error("❌ 打开降级文件失败: %v", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		enc.Encode(map[string]interface{}{
			"ts":   time.Now().Format(time.RFC3339),
			"type": ev.eventType,
			"data": ev.data,
		})
	}
}
