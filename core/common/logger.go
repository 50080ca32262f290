// core/common/logger.go

package common

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// 日志级别常量
const (
	DEBUG = iota
	INFO
	WARN
	ERROR
	FATAL
)

// LogLevel 日志级别类型
type LogLevel int

// 日志级别字符串映射
var logLevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// 字符串到日志级别的映射
var logLevelValues = map[string]LogLevel{
	"DEBUG":   DEBUG,
	"INFO":    INFO,
	"WARN":    WARN,
	"WARNING": WARN,
	"ERROR":   ERROR,
	"FATAL":   FATAL,
}

// String 返回日志级别的字符串表示
func (level LogLevel) String() string {
	if name, ok := logLevelNames[level]; ok {
		return name
	}
	return "UNKNOWN"
}

// zerologLevel 转换为zerolog级别
func (level LogLevel) zerologLevel() zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

// ParseLogLevel 从字符串解析日志级别
func ParseLogLevel(levelStr string) LogLevel {
	levelStr = strings.ToUpper(strings.TrimSpace(levelStr))
	if level, ok := logLevelValues[levelStr]; ok {
		return level
	}
	return INFO // 默认INFO级别
}

// GetLogLevelFromEnv 从配置或环境变量获取日志级别
func GetLogLevelFromEnv() LogLevel {
	levelStr := GetConfig("Logging", "LOG_LEVEL")
	if levelStr == "" {
		return INFO
	}
	return ParseLogLevel(levelStr)
}

var (
	outputMu sync.RWMutex
	// 所有Logger共享的底层输出
	baseLogger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}).With().Timestamp().Logger()
)

// SetOutput 替换所有新建Logger使用的底层输出
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	baseLogger = zerolog.New(w).With().Timestamp().Logger()
}

func currentBase() zerolog.Logger {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return baseLogger
}

// Logger 日志管理器
type Logger struct {
	zl        zerolog.Logger
	level     LogLevel
	component string
}

// NewLogger 创建新的日志管理器
func NewLogger() *Logger {
	return NewLoggerWithLevel(GetLogLevelFromEnv())
}

// NewLoggerWithLevel 创建指定级别的日志管理器
func NewLoggerWithLevel(level LogLevel) *Logger {
	return &Logger{
		zl:    currentBase().Level(level.zerologLevel()),
		level: level,
	}
}

// With 返回带组件标记的子日志器
func (l *Logger) With(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		level:     l.level,
		component: component,
	}
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.zl = l.zl.Level(level.zerologLevel())
}

// GetLevel 获取当前日志级别
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// Zerolog 返回底层zerolog日志器，供需要结构化字段的调用方使用
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// Debug 打印DEBUG级别日志
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Info 打印INFO级别日志
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn 打印WARN级别日志
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error 打印ERROR级别日志
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Fatal 打印FATAL级别日志并退出程序
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.zl.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	os.Exit(1)
}

// LogError 记录错误日志，包含错误详情
func (l *Logger) LogError(format string, err error, args ...interface{}) {
	l.zl.Error().Err(err).Msgf(format, args...)
}

// Printf 兼容旧的日志打印方法
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Info(format, args...)
}
