package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CRLogger 是整个项目使用的结构化日志记录器，所有组件都通过 Infow/Debugw/Warnw/Errorw
// 以键值对的形式记录日志
type CRLogger = *zap.SugaredLogger

// ParseLevel 将配置文件里的日志等级字符串转换为 zapcore.Level，无法识别的等级按 info 处理
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewCRLogger 根据日志等级创建一个输出到标准输出的 console 格式日志记录器
func NewCRLogger(level string) CRLogger {
	var zc = zap.Config{
		Level:             zap.NewAtomicLevelAt(ParseLevel(level)),
		Development:       false,
		DisableCaller:     false,
		DisableStacktrace: true,
		Sampling:          nil,
		Encoding:          "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "name",
			CallerKey:      "caller",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	core, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return core.Sugar()
}

// NewNopLogger 返回一个什么也不记录的日志记录器，测试里用
func NewNopLogger() CRLogger {
	return zap.NewNop().Sugar()
}
