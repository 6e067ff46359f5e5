package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
	Daily      bool   `env:"LOG_DAILY"`
}

var (
	// Lg is the process logger. Components that take a *zap.Logger get this one.
	Lg = zap.NewNop()

	// helpers below sit one frame above the caller
	lgSkip = Lg

	rotator *cron.Cron
)

// Init builds the zap logger. In development mode logs also go to stdout.
func Init(cfg *LogConfig, mode string) error {
	level := zapcore.InfoLevel
	if cfg != nil && cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var cores []zapcore.Core

	if cfg != nil && cfg.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level))
		if cfg.Daily {
			startDailyRotation(lj)
		}
	}

	if mode != "production" || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	Lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	lgSkip = Lg.WithOptions(zap.AddCallerSkip(1))
	zap.ReplaceGlobals(Lg)
	return nil
}

// lumberjack only rotates on size; daily rotation is driven by cron
func startDailyRotation(lj *lumberjack.Logger) {
	if rotator != nil {
		rotator.Stop()
	}
	rotator = cron.New()
	_, _ = rotator.AddFunc("@daily", func() {
		_ = lj.Rotate()
	})
	rotator.Start()
}

// Sync flushes buffered entries.
func Sync() {
	_ = Lg.Sync()
}

func Debug(msg string, fields ...zap.Field) {
	lgSkip.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	lgSkip.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	lgSkip.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	lgSkip.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	lgSkip.Fatal(msg, fields...)
}
