package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	log   *zap.Logger
	level zap.AtomicLevel
)

func init() {
	// 默认 logger：未显式 Init 时也可用（如测试）
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log = newLogger(false, nil)
}

// Init 初始化全局 logger，level 为 debug/info/warn/error
func Init(levelStr string, jsonFormat bool) error {
	return InitWithFile(levelStr, jsonFormat, "")
}

// InitWithFile 初始化全局 logger，同时输出到 stdout 与指定日志文件（filePath 为空则仅 stdout）
func InitWithFile(levelStr string, jsonFormat bool, filePath string) error {
	lv, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}

	var file *os.File
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(lv)
	log = newLogger(jsonFormat, file)
	return nil
}

func newLogger(jsonFormat bool, file *os.File) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if jsonFormat {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if file != nil {
		// 文件始终用 JSON 格式，便于后续检索
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(file), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// SetLevel 动态调整日志级别（配置热重载时使用）
func SetLevel(levelStr string) error {
	lv, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	level.SetLevel(lv)
	return nil
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debug 输出 debug 日志
func Debug(msg string, fields ...zap.Field) {
	current().Debug(msg, fields...)
}

// Info 输出 info 日志
func Info(msg string, fields ...zap.Field) {
	current().Info(msg, fields...)
}

// Warn 输出 warn 日志
func Warn(msg string, fields ...zap.Field) {
	current().Warn(msg, fields...)
}

// Error 输出 error 日志
func Error(msg string, fields ...zap.Field) {
	current().Error(msg, fields...)
}

// Fatal 输出 fatal 日志并退出进程
func Fatal(msg string, fields ...zap.Field) {
	current().Fatal(msg, fields...)
}

// Sync 刷新缓冲的日志
func Sync() error {
	return current().Sync()
}
