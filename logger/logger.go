package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	// zap 输出核心
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base        atomic.Pointer[zap.SugaredLogger]

	// 应用日志文件相关（仅 DEBUG 级别启用）
	logFile     *os.File
	currentDate string
	fileMu      sync.Mutex
	logDir      = "logs" // 日志文件夹

	// Web 日志文件相关
	webLogger      *zap.Logger
	webLogFile     *os.File
	webCurrentDate string
	webFileMu      sync.Mutex

	// 时区相关
	globalLocation *time.Location = time.Local
	locationMu     sync.RWMutex

	// 外部日志订阅（通过函数指针避免循环依赖）
	logSink   func(level, message string)
	logSinkMu sync.RWMutex
)

func init() {
	rebuild(nil)
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

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR, FATAL:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
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
		return INFO // 默认INFO级别
	}
}

// encoderConfig 控制台与文件共用的编码配置
func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     encodeTime,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()
	enc.AppendString(t.In(loc).Format("2006/01/02 15:04:05"))
}

// rebuild 重新组装 zap 核心（控制台 + 可选文件）
func rebuild(file *os.File) {
	cfg := encoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stdout), atomicLevel),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(file), atomicLevel))
	}
	base.Store(zap.New(zapcore.NewTee(cores...)).Sugar())
}

func sugar() *zap.SugaredLogger {
	return base.Load()
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	globalLevel = level
	mu.Unlock()
	atomicLevel.SetLevel(level.zapLevel())

	// 如果设置为DEBUG级别，启用文件日志
	if level == DEBUG {
		initFileLogger()
	} else {
		closeFileLogger()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置全局日志时区
func SetLocation(loc *time.Location) {
	locationMu.Lock()
	defer locationMu.Unlock()
	if loc != nil {
		globalLocation = loc
	}
}

// SetLogDir 设置日志目录（默认 logs）
func SetLogDir(dir string) {
	fileMu.Lock()
	defer fileMu.Unlock()
	if dir != "" {
		logDir = dir
	}
}

// SetSink 注册日志订阅函数（例如推送到 WebSocket）
func SetSink(sink func(level, message string)) {
	logSinkMu.Lock()
	defer logSinkMu.Unlock()
	logSink = sink
}

func today() string {
	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()
	return time.Now().In(loc).Format("2006-01-02")
}

func openDailyFile(prefix, date string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志文件夹失败: %w", err)
	}
	name := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", prefix, date))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return file, nil
}

// initFileLogger 初始化文件日志（当日志级别为DEBUG时）
func initFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	date := today()
	if logFile != nil && currentDate == date {
		return
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	file, err := openDailyFile("app-stockarena", date)
	if err != nil {
		// 打开失败时只输出到控制台
		sugar().Warnf("⚠️ %v，将只输出到控制台", err)
		return
	}
	logFile = file
	currentDate = date
	rebuild(file)
	sugar().Infof("📝 文件日志已启用，日志文件: %s", file.Name())
}

// closeFileLogger 关闭文件日志
func closeFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile != nil {
		_ = sugar().Sync()
		logFile.Close()
		logFile = nil
		currentDate = ""
		rebuild(nil)
	}
}

// checkAndRotateLog 跨日时轮转应用日志
func checkAndRotateLog() {
	if GetLevel() != DEBUG {
		return
	}
	fileMu.Lock()
	stale := logFile != nil && currentDate != today()
	fileMu.Unlock()
	if stale {
		initFileLogger()
	}
}

// InitWebLogger 初始化 Web 日志文件
func InitWebLogger() error {
	webFileMu.Lock()
	defer webFileMu.Unlock()
	return openWebLog(today())
}

// openWebLog 调用前必须持有 webFileMu
func openWebLog(date string) error {
	if webLogger != nil && webCurrentDate == date {
		return nil
	}
	if webLogFile != nil {
		webLogFile.Close()
		webLogFile = nil
	}
	file, err := openDailyFile("web-gin", date)
	if err != nil {
		return err
	}
	webLogFile = file
	webCurrentDate = date
	webLogger = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(file),
		zapcore.DebugLevel,
	))
	return nil
}

// WriteWebLog 写入 Web 日志（供 Gin 中间件使用）
func WriteWebLog(message string) {
	webFileMu.Lock()
	defer webFileMu.Unlock()

	if webLogger == nil {
		return
	}
	if date := today(); date != webCurrentDate {
		if err := openWebLog(date); err != nil {
			return
		}
	}
	webLogger.Info(message)
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	_ = sugar().Sync()
	closeFileLogger()

	webFileMu.Lock()
	if webLogFile != nil {
		_ = webLogger.Sync()
		webLogFile.Close()
		webLogFile = nil
		webLogger = nil
		webCurrentDate = ""
	}
	webFileMu.Unlock()

	SetSink(nil)
}

// shouldLog 判断是否应该输出日志
func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

// logf 内部日志输出函数
func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	checkAndRotateLog()

	message := fmt.Sprintf(format, args...)
	switch level {
	case DEBUG:
		sugar().Debug(message)
	case INFO:
		sugar().Info(message)
	case WARN:
		sugar().Warn(message)
	default:
		// FATAL 由调用方负责退出，这里统一按 ERROR 输出避免 zap 直接 os.Exit
		sugar().Error(message)
	}

	logSinkMu.RLock()
	sink := logSink
	logSinkMu.RUnlock()
	if sink != nil {
		go func() {
			defer func() {
				// 订阅方异常不影响主程序
				_ = recover()
			}()
			sink(level.String(), message)
		}()
	}
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
	_ = sugar().Sync()
	os.Exit(1)
}

// Fatalf 输出致命错误日志并退出程序（兼容标准库）
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
