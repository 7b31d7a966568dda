package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "echochain.log"

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	// Until Setup is called everything goes to stderr so library users and
	// tests get output without a logs directory being created.
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(os.Stderr),
		levelFromEnv(zapcore.InfoLevel),
	)
	set(zap.New(core, zap.AddCaller()))
}

// Setup replaces the default stderr logger with one that writes to
// <dir>/echochain.log as well as stderr. An empty level falls back to
// P2P_LOG_LEVEL / LOG_LEVEL, then info.
func Setup(dir string, level string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	lvl := levelFromEnv(zapcore.InfoLevel)
	if level != "" {
		_ = lvl.UnmarshalText([]byte(strings.ToLower(level)))
	}

	// Use ConsoleEncoder for human-readable output in file
	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(file), lvl),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.WarnLevel),
	)

	set(zap.New(core, zap.AddCaller()))
	return nil
}

// Replace swaps the package logger, e.g. to silence it in tests.
func Replace(l *zap.Logger) {
	set(l)
}

func set(l *zap.Logger) {
	Log = l
	Sugar = l.Sugar()
}

func encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return encoderConfig
}

func levelFromEnv(def zapcore.Level) zapcore.Level {
	level := def
	levelStr := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}
