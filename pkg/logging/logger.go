package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 全局日志对象，未初始化时为 Nop，保证库代码和测试中可直接使用
var (
	Logger = zap.NewNop()

	mu sync.RWMutex
)

// InitLogger 初始化日志组件
// mode: "development" 或 "production"
// level: "debug", "info", "warn", "error"
func InitLogger(mode string, level string) error {
	var config zap.Config

	// 1. 根据模式选择配置
	if mode == "production" {
		// 生产环境：JSON 格式，只记录 Warning 及以上
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	} else {
		// 开发环境：Console 格式，记录 Debug 及以上
		config = zap.NewDevelopmentConfig()
	}

	// 2. 解析日志级别，覆盖默认配置
	if level != "" {
		var zapLevel zapcore.Level
		if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(zapLevel)
	}

	// 3. 构建 Logger
	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetLogger(l)
	return nil
}

// SetLogger 替换全局 Logger（测试中可传入 zaptest/observer 构造的 Logger）
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	Logger = l
}

// Named 返回带组件名的子 Logger
func Named(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger.Named(component)
}

// CloseLogger 确保程序退出时，所有缓冲区的日志都被写入
func CloseLogger() {
	mu.RLock()
	defer mu.RUnlock()
	if Logger != nil {
		_ = Logger.Sync()
	}
}
