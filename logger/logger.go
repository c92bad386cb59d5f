package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel 日志级别
type LogLevel int32

const (
	DEBUG LogLevel = iota // 调试信息（最详细，同时写入文件）
	INFO                  // 正常运行信息
	WARN                  // 需要注意但不影响运行
	ERROR                 // 需要关注的问题
	FATAL                 // 程序无法继续
)

var logDir = "logs"

var (
	globalLevel atomic.Int32
	location    atomic.Pointer[time.Location] // 日志时间戳时区

	// 按天轮转的两份文件日志：应用 DEBUG 全量日志、Gin 访问日志
	appFile = &rotatingFile{prefix: "app-stockpilot"}
	webFile = &rotatingFile{prefix: "web-gin"}

	// 运行期注入的钩子，避免 logger 反向依赖 storage / i18n
	hookMu        sync.RWMutex
	storageWriter func(level, message string)
	translateFn   func(key string, data ...interface{}) string
)

func init() {
	globalLevel.Store(int32(INFO))
}

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串，无法识别时返回 INFO
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别；离开 DEBUG 级别时关闭文件日志
func SetLevel(level LogLevel) {
	globalLevel.Store(int32(level))
	if level != DEBUG {
		appFile.close()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	return LogLevel(globalLevel.Load())
}

// SetLocation 设置日志时间戳使用的时区
func SetLocation(loc *time.Location) {
	if loc != nil {
		location.Store(loc)
	}
}

// now 返回配置时区下的当前时间
func now() time.Time {
	loc := location.Load()
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc)
}

// InitLogStorage 注入 SQLite 日志写入函数（由 main 装配，写入方必须非阻塞）
func InitLogStorage(writer func(level, message string)) {
	hookMu.Lock()
	storageWriter = writer
	hookMu.Unlock()
}

// SetTranslateFunc 注入翻译函数（由 main 装配）
func SetTranslateFunc(fn func(key string, data ...interface{}) string) {
	hookMu.Lock()
	translateFn = fn
	hookMu.Unlock()
}

// translate 有对应词条时翻译日志格式串，否则原样返回
func translate(message string) string {
	hookMu.RLock()
	fn := translateFn
	hookMu.RUnlock()

	if fn == nil {
		return message
	}
	if translated := fn(message); translated != "" {
		return translated
	}
	return message
}

// rotatingFile 按天轮转的日志文件，文件名形如 <prefix>-2006-01-02.log
type rotatingFile struct {
	mu     sync.Mutex
	prefix string
	date   string
	file   *os.File
	lg     *log.Logger
	warned bool
}

// write 追加一行带时间戳的日志，跨天时先轮转
func (rf *rotatingFile) write(ts time.Time, message string) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if err := rf.rotateLocked(ts); err != nil {
		// 只提示一次，文件日志不可用时仍有控制台输出
		if !rf.warned {
			log.Printf("[WARN] %s 文件日志不可用: %v", rf.prefix, err)
			rf.warned = true
		}
		return
	}
	rf.lg.Printf("%s %s", ts.Format("2006/01/02 15:04:05"), message)
}

func (rf *rotatingFile) rotateLocked(ts time.Time) error {
	today := ts.Format("2006-01-02")
	if rf.lg != nil && rf.date == today {
		return nil
	}

	if rf.file != nil {
		rf.file.Close()
		rf.file = nil
		rf.lg = nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}

	name := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", rf.prefix, today))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	rf.file = file
	rf.date = today
	rf.warned = false
	// 时间戳由 write 拼接，前缀留空
	rf.lg = log.New(file, "", 0)
	return nil
}

func (rf *rotatingFile) close() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file != nil {
		rf.file.Close()
		rf.file = nil
		rf.lg = nil
		rf.date = ""
	}
}

// WriteWebLog 写入 Gin 访问日志文件（由 web 中间件调用）
func WriteWebLog(message string) {
	webFile.write(now(), message)
}

// Close 关闭文件日志并断开存储钩子（程序退出时调用）
func Close() {
	appFile.close()
	webFile.close()

	hookMu.Lock()
	storageWriter = nil
	hookMu.Unlock()
}

// dispatch 分发一条已格式化的日志：控制台、DEBUG 文件、SQLite 存储
func dispatch(level LogLevel, message string) {
	log.Print(message)

	if GetLevel() == DEBUG {
		appFile.write(now(), message)
	}

	hookMu.RLock()
	writer := storageWriter
	hookMu.RUnlock()
	// WriteLog 内部是带缓冲的非阻塞写，同步调用即可
	if writer != nil {
		writer(level.String(), message)
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}
	message := fmt.Sprintf("["+level.String()+"] "+translate(format), args...)
	dispatch(level, message)
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}

// Fatalf 输出致命错误日志并退出程序（兼容标准库命名）
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
