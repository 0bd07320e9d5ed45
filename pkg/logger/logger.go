// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text)
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
//   - 统一字段名常量, 避免各处手写 key 不一致
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// defaultLogger 使用 atomic.Pointer 保证并发安全。
var defaultLogger atomic.Pointer[slog.Logger]

// utc8 固定 UTC+8 时区, 日志时间统一按此时区显示。
var utc8 = time.FixedZone("UTC+8", 8*60*60)

func init() { defaultLogger.Store(newLogger(false)) }

func getLogger() *slog.Logger { return defaultLogger.Load() }

func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 将 slog 输出的时间强制转为 UTC+8, 并格式化为易读字符串。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.In(utc8).Format("2006-01-02 15:04:05"))
		}
	}
	return a
}

func newLogger(development bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env string) {
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev))
}

// ========================================
// 包级便捷方法
// ========================================

func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

func Infof(format string, args ...any)  { getLogger().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { getLogger().Error(fmt.Sprintf(format, args...)) }

// Fatal 记录错误并退出进程。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	os.Exit(1)
}

// With 返回携带固定字段的子日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回当前默认日志器。
func Get() *slog.Logger { return getLogger() }

// Attr 重导出 slog.Attr, 调用方无需直接依赖 slog。
type Attr = slog.Attr

func Any(key string, value any) Attr  { return slog.Any(key, value) }
func String(key, value string) Attr   { return slog.String(key, value) }
func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

// ========================================
// 统一字段名常量
// ========================================

const (
	FieldError     = "error"
	FieldSession   = "session_id"
	FieldAgent     = "agent_name"
	FieldEventType = "event_type"
	FieldToolName  = "tool_name"
	FieldAttempt   = "attempt"
	FieldAddr      = "addr"
	FieldPath      = "path"
	FieldCount     = "count"
	FieldStatus    = "status"
	FieldMode      = "mode"
)
