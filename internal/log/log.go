// Package log wraps zap the way the rest of the fleet does: a package
// level, swappable *zap.SugaredLogger built from an atomic level and an
// optional rotating file sink.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide logger. Replace it with CreateLogger
// during startup once the configured level/log file are known.
var Logger = CreateLogger(zap.NewAtomicLevelAt(zap.InfoLevel), "")

// CreateLogger builds a SugaredLogger that writes JSON to stderr and,
// if logFile is non-empty, additionally to a size-rotated file via
// lumberjack (matching the rotation policy used for DLQ segments).
func CreateLogger(level zap.AtomicLevel, logFile string) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level),
	}

	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    64, // MB, mirrors the DLQ segment_size budget
			MaxBackups: 5,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()).Sugar()
}
