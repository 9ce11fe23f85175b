// Copyright 2026 NVIDIA Corporation
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// NewFileLogger writes JSON logs to path with size-based rotation.
func NewFileLogger(level, path string) (*zap.Logger, error) {
	if path == "" {
		return NewLogger(level)
	}
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, sink, lvl)
	return zap.New(core), nil
}

// WorkflowLogger returns a logger that stamps every line with the workflow uuid.
func WorkflowLogger(log *zap.Logger, workflowUUID string) *zap.Logger {
	if workflowUUID == "" {
		return log
	}
	return log.With(zap.String("workflow_uuid", workflowUUID))
}

// Convenience typed fields
func String(k, v string) zap.Field     { return zap.String(k, v) }
func Int(k string, v int) zap.Field    { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field { return zap.Int64(k, v) }
func Bool(k string, v bool) zap.Field  { return zap.Bool(k, v) }
func Err(err error) zap.Field          { return zap.Error(err) }
