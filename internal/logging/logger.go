// Package logging builds the process-wide zap.Logger: JSON to stdout
// always, plus an optional lumberjack-rotated file mirror of the same
// stream when MIRROR_LOG_FILE is set.
//
// Grounded on the teacher's internal/common/logger/logger.go (zapcore.Tee
// of console + file cores, lumberjack.Logger for rotation); the dynamic
// level-switching machinery there is not needed here since the gateway has
// no runtime log-level reload, so this is the plain construction path.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a zap.Logger writing JSON to stdout, and additionally to
// logFilePath (rotated) when non-empty.
func New(logFilePath string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.InfoLevel),
	}

	if logFilePath != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    100, // MB
			MaxAge:     30,  // days
			MaxBackups: 5,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, fileWriter, zap.InfoLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}
