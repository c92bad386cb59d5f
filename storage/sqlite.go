package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"stockpilot/utils"
)

// SQLiteStorage SQLite 存储实现
type SQLiteStorage struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStorage 创建 SQLite 存储
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	// WAL 模式提高并发读写性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite 单写者，连接池收敛到1
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func createTables(db *sql.DB) error {
	ddls := []string{
		// 事件表
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT,
			data TEXT,
			created_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,

		// 系统监控细粒度采样表
		`CREATE TABLE IF NOT EXISTS system_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_mb REAL NOT NULL,
			memory_percent REAL,
			goroutines INTEGER,
			process_id INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_system_metrics_timestamp ON system_metrics(timestamp);`,

		// 系统监控每日汇总表
		`CREATE TABLE IF NOT EXISTS daily_system_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date DATE NOT NULL UNIQUE,
			avg_cpu_percent REAL NOT NULL,
			max_cpu_percent REAL NOT NULL,
			min_cpu_percent REAL NOT NULL,
			avg_memory_mb REAL NOT NULL,
			max_memory_mb REAL NOT NULL,
			min_memory_mb REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, ddl := range ddls {
		if _, err := db.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent 保存事件，时间统一按 UTC 存储
func (s *SQLiteStorage) SaveEvent(eventType string, data map[string]interface{}) error {
	// 系统监控事件走专用表
	if eventType == "system_metrics" {
		return s.saveSystemMetricsFromMap(data)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化事件数据失败: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (event_type, data, created_at)
		VALUES (?, ?, ?)
	`, eventType, string(jsonData), utils.NowUTC())
	return err
}

// QueryEvents 查询事件，按时间倒序
func (s *SQLiteStorage) QueryEvents(eventType string, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, event_type, data, created_at FROM events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// CleanupEvents 清理过期事件
func (s *SQLiteStorage) CleanupEvents(beforeTime time.Time) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, utils.ToUTC(beforeTime))
	return err
}

// SaveSystemMetrics 保存系统监控采样
func (s *SQLiteStorage) SaveSystemMetrics(metrics *SystemMetrics) error {
	memoryPercent := sql.NullFloat64{
		Float64: metrics.MemoryPercent,
		Valid:   metrics.MemoryPercent > 0,
	}

	_, err := s.db.Exec(`
		INSERT INTO system_metrics
		(timestamp, cpu_percent, memory_mb, memory_percent, goroutines, process_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, utils.ToUTC(metrics.Timestamp), metrics.CPUPercent, metrics.MemoryMB,
		memoryPercent, metrics.Goroutines, metrics.ProcessID)
	return err
}

// SaveDailySystemMetrics 保存每日汇总，同一天重复写入时覆盖
func (s *SQLiteStorage) SaveDailySystemMetrics(metrics *DailySystemMetrics) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daily_system_metrics
		(date, avg_cpu_percent, max_cpu_percent, min_cpu_percent,
		 avg_memory_mb, max_memory_mb, min_memory_mb, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, utils.ToUTC(metrics.Date), metrics.AvgCPUPercent, metrics.MaxCPUPercent, metrics.MinCPUPercent,
		metrics.AvgMemoryMB, metrics.MaxMemoryMB, metrics.MinMemoryMB, metrics.SampleCount)
	return err
}

// saveSystemMetricsFromMap 事件通道送来的监控数据转为结构化采样
// 数值经过 JSON 往返后是 float64，int 断言兜不住
func (s *SQLiteStorage) saveSystemMetricsFromMap(data map[string]interface{}) error {
	return s.SaveSystemMetrics(&SystemMetrics{
		Timestamp:     mapTime(data, "timestamp"),
		CPUPercent:    mapFloat(data, "cpu_percent"),
		MemoryMB:      mapFloat(data, "memory_mb"),
		MemoryPercent: mapFloat(data, "memory_percent"),
		Goroutines:    mapInt(data, "goroutines"),
		ProcessID:     mapInt(data, "process_id"),
	})
}

func mapFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func mapInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func mapTime(data map[string]interface{}, key string) time.Time {
	switch v := data[key].(type) {
	case time.Time:
		return utils.ToUTC(v)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return utils.ToUTC(t)
		}
	}
	return utils.NowUTC()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSystemMetrics 读取一行系统监控采样，可空列补零值
func scanSystemMetrics(row rowScanner) (*SystemMetrics, error) {
	m := &SystemMetrics{}
	var memoryPercent sql.NullFloat64
	var goroutines sql.NullInt64

	if err := row.Scan(&m.ID, &m.Timestamp, &m.CPUPercent, &m.MemoryMB,
		&memoryPercent, &goroutines, &m.ProcessID, &m.CreatedAt); err != nil {
		return nil, err
	}

	if memoryPercent.Valid {
		m.MemoryPercent = memoryPercent.Float64
	}
	if goroutines.Valid {
		m.Goroutines = int(goroutines.Int64)
	}
	return m, nil
}

// QuerySystemMetrics 查询时间范围内的系统监控采样
func (s *SQLiteStorage) QuerySystemMetrics(startTime, endTime time.Time) ([]*SystemMetrics, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, cpu_percent, memory_mb, memory_percent, goroutines, process_id, created_at
		FROM system_metrics
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, utils.ToUTC(startTime), utils.ToUTC(endTime))
	if err != nil {
		return nil, fmt.Errorf("查询系统监控数据失败: %w", err)
	}
	defer rows.Close()

	var metrics []*SystemMetrics
	for rows.Next() {
		if m, err := scanSystemMetrics(rows); err == nil {
			metrics = append(metrics, m)
		}
	}
	return metrics, nil
}

// GetLatestSystemMetrics 获取最新一条系统监控采样，没有数据时返回 nil
func (s *SQLiteStorage) GetLatestSystemMetrics() (*SystemMetrics, error) {
	m, err := scanSystemMetrics(s.db.QueryRow(`
		SELECT id, timestamp, cpu_percent, memory_mb, memory_percent, goroutines, process_id, created_at
		FROM system_metrics
		ORDER BY timestamp DESC
		LIMIT 1
	`))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最新监控数据失败: %w", err)
	}
	return m, nil
}

// QueryDailySystemMetrics 查询最近 days 天的每日汇总
func (s *SQLiteStorage) QueryDailySystemMetrics(days int) ([]*DailySystemMetrics, error) {
	// 汇总按交易日（美东日历日）入库，起点也按交易日对齐
	start := utils.StartOfTradingDay(time.Now()).AddDate(0, 0, -days)

	rows, err := s.db.Query(`
		SELECT id, date, avg_cpu_percent, max_cpu_percent, min_cpu_percent,
		       avg_memory_mb, max_memory_mb, min_memory_mb, sample_count, created_at
		FROM daily_system_metrics
		WHERE date >= ?
		ORDER BY date ASC
	`, start)
	if err != nil {
		return nil, fmt.Errorf("查询每日汇总数据失败: %w", err)
	}
	defer rows.Close()

	var metrics []*DailySystemMetrics
	for rows.Next() {
		m := &DailySystemMetrics{}
		if err := rows.Scan(&m.ID, &m.Date, &m.AvgCPUPercent, &m.MaxCPUPercent, &m.MinCPUPercent,
			&m.AvgMemoryMB, &m.MaxMemoryMB, &m.MinMemoryMB, &m.SampleCount, &m.CreatedAt); err != nil {
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// CleanupSystemMetrics 清理过期的细粒度采样
func (s *SQLiteStorage) CleanupSystemMetrics(beforeTime time.Time) error {
	_, err := s.db.Exec(`DELETE FROM system_metrics WHERE timestamp < ?`, utils.ToUTC(beforeTime))
	return err
}

// CleanupDailySystemMetrics 清理过期的每日汇总
func (s *SQLiteStorage) CleanupDailySystemMetrics(beforeDate time.Time) error {
	_, err := s.db.Exec(`DELETE FROM daily_system_metrics WHERE date < ?`, utils.ToUTC(beforeDate))
	return err
}

// Close 关闭存储
func (s *SQLiteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
