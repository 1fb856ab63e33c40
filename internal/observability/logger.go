// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs so that packages can log safely from tests.
var CLILogger = zap.NewNop()

// FileSink configures an optional rotated log file. Multi-day runs write
// here in addition to stderr.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// InitCLILogger builds the console logger for the named service.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(service, level, nil)
}

// InitCLILoggerWithLevel builds the CLI logger from a textual level and an
// optional file sink. Unknown levels fall back to info.
func InitCLILoggerWithLevel(service, levelName string, sink *FileSink) {
	CLILogger = newLogger(service, ParseLevel(levelName), sink)
}

// ParseLevel maps a config level name onto a zap level.
func ParseLevel(name string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func newLogger(service string, level zapcore.Level, sink *FileSink) *zap.Logger {
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.TimeKey = ""
	consoleCfg.CallerKey = ""
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	if sink != nil && strings.TrimSpace(sink.Path) != "" {
		rotator := &lumberjack.Logger{
			Filename:   sink.Path,
			MaxSize:    sink.MaxSizeMB,
			MaxBackups: sink.MaxBackups,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)).With(zap.String("service", service))
}
