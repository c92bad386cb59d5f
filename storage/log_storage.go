package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stockpilot/utils"
)

const (
	logChannelSize   = 500
	logBatchSize     = 100
	logFlushInterval = time.Second
)

// LogStorage 日志落盘与查询
//
// 日志先进内存队列由单协程攒批写入 SQLite，写入方永不阻塞；
// 新写入的记录同时向订阅者扇出，供运维接口实时查看。
type LogStorage struct {
	db     *sql.DB
	logCh  chan *logEntry
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	subMu  sync.Mutex
	subs   map[int]chan *LogRecord
	nextID int
}

// logEntry 待写入的一条日志
type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 创建日志存储
func NewLogStorage(path string) (*LogStorage, error) {
	// WAL 模式提高并发读写性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}

	// SQLite 单写者，连接池收敛到1即可，跨协程访问由池序列化
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ls := &LogStorage{
		db:    db,
		logCh: make(chan *logEntry, logChannelSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		subs:  make(map[int]chan *LogRecord),
	}

	if err := ls.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	go ls.run()

	return ls, nil
}

func (ls *LogStorage) createTable() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`

	_, err := ls.db.Exec(ddl)
	return err
}

// WriteLog 异步写入一条日志，队列满时丢弃
func (ls *LogStorage) WriteLog(level, message string) {
	if ls.closed.Load() {
		return
	}

	entry := &logEntry{
		level:     strings.ToUpper(level),
		message:   message,
		timestamp: utils.NowUTC(),
	}

	select {
	case ls.logCh <- entry:
	default:
	}
}

// run 落盘循环：攒够一批或每秒写一次
func (ls *LogStorage) run() {
	defer close(ls.done)

	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	buffer := make([]*logEntry, 0, logBatchSize)
	for {
		select {
		case <-ls.quit:
			// 退出前排空队列
			for {
				select {
				case e := <-ls.logCh:
					buffer = append(buffer, e)
				default:
					ls.flush(buffer)
					return
				}
			}

		case e := <-ls.logCh:
			buffer = append(buffer, e)
			if len(buffer) >= logBatchSize {
				ls.flush(buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			ls.flush(buffer)
			buffer = buffer[:0]
		}
	}
}

// flush 批量落盘；写入失败静默丢弃，日志存储不能反过来拖垮主流程
func (ls *LogStorage) flush(entries []*logEntry) {
	if len(entries) == 0 {
		return
	}

	if records, err := ls.batchInsert(entries); err == nil {
		ls.fanout(records)
	}
}

func (ls *LogStorage) batchInsert(entries []*logEntry) ([]*LogRecord, error) {
	tx, err := ls.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	records := make([]*LogRecord, 0, len(entries))
	for _, e := range entries {
		result, err := stmt.Exec(e.timestamp, e.level, e.message)
		if err != nil {
			return nil, err
		}
		id, _ := result.LastInsertId()
		records = append(records, &LogRecord{
			ID:        id,
			Timestamp: e.timestamp,
			Level:     e.level,
			Message:   e.message,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return records, nil
}

// Subscribe 注册一个日志订阅者，返回订阅号和只读 channel
// 订阅者必须及时消费，channel 满时新日志被丢弃
func (ls *LogStorage) Subscribe(buffer int) (int, <-chan *LogRecord) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *LogRecord, buffer)

	ls.subMu.Lock()
	ls.nextID++
	id := ls.nextID
	ls.subs[id] = ch
	ls.subMu.Unlock()
	return id, ch
}

// Unsubscribe 注销订阅者并关闭其 channel
func (ls *LogStorage) Unsubscribe(id int) {
	ls.subMu.Lock()
	if ch, ok := ls.subs[id]; ok {
		close(ch)
		delete(ls.subs, id)
	}
	ls.subMu.Unlock()
}

// fanout 向订阅者推送新写入的日志，不阻塞落盘循环
func (ls *LogStorage) fanout(records []*LogRecord) {
	ls.subMu.Lock()
	defer ls.subMu.Unlock()

	for _, rec := range records {
		for _, ch := range ls.subs {
			select {
			case ch <- rec:
			default:
			}
		}
	}
}

// escapeLike 转义 LIKE 查询中的通配符
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// GetLogs 按条件查询日志，返回记录和满足条件的总数
func (ls *LogStorage) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime)
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime)
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(params.Level))
	}
	if params.Keyword != "" {
		where = append(where, `message LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(params.Keyword)+"%")
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM logs WHERE %s", whereClause)
	if err := ls.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	querySQL := fmt.Sprintf(`
		SELECT id, timestamp, level, message
		FROM logs
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, whereClause)
	args = append(args, params.Limit, params.Offset)

	rows, err := ls.db.Query(querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var logs []*LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Message); err != nil {
			continue
		}
		logs = append(logs, &rec)
	}

	return logs, total, nil
}

// CleanOldLogsByLevel 清理超过指定天数的指定级别日志，返回删除条数
// levels 如 []string{"INFO", "WARN"}；ERROR/FATAL 通常保留更久
func (ls *LogStorage) CleanOldLogsByLevel(days int, levels []string) (int64, error) {
	if len(levels) == 0 {
		return 0, fmt.Errorf("至少需要指定一个日志级别")
	}

	cutoff := time.Now().AddDate(0, 0, -days)

	placeholders := make([]string, len(levels))
	args := make([]interface{}, 0, len(levels)+1)
	for i, level := range levels {
		placeholders[i] = "?"
		args = append(args, strings.ToUpper(level))
	}
	args = append(args, cutoff)

	result, err := ls.db.Exec(fmt.Sprintf(
		`DELETE FROM logs WHERE level IN (%s) AND timestamp < ?`,
		strings.Join(placeholders, ","),
	), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Vacuum 回收 SQLite 空间，清理后调用
func (ls *LogStorage) Vacuum() error {
	_, err := ls.db.Exec("VACUUM")
	return err
}

// GetLogStats 日志统计：总数、按级别分布、时间范围和今日错误数
func (ls *LogStorage) GetLogStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM logs").Scan(&total); err != nil {
		return nil, err
	}
	stats["total"] = total

	levelStats := make(map[string]int64)
	rows, err := ls.db.Query(`SELECT level, COUNT(*) FROM logs GROUP BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			continue
		}
		levelStats[level] = count
	}
	stats["by_level"] = levelStats

	var oldest, newest time.Time
	if err := ls.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM logs").Scan(&oldest, &newest); err == nil {
		stats["oldest_time"] = oldest
		stats["newest_time"] = newest
	}

	// 今日错误数，运维页快速判断系统健康
	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var todayErrors int64
	if err := ls.db.QueryRow(
		`SELECT COUNT(*) FROM logs WHERE level IN ('ERROR', 'FATAL') AND timestamp >= ?`,
		todayStart,
	).Scan(&todayErrors); err == nil {
		stats["today_errors"] = todayErrors
	}

	return stats, nil
}

// Close 关闭日志存储：写完队列中剩余日志，断开订阅者
func (ls *LogStorage) Close() error {
	if ls.closed.Swap(true) {
		return nil
	}

	close(ls.quit)
	select {
	case <-ls.done:
	case <-time.After(3 * time.Second):
	}

	ls.subMu.Lock()
	for id, ch := range ls.subs {
		close(ch)
		delete(ls.subs, id)
	}
	ls.subMu.Unlock()

	return ls.db.Close()
}
