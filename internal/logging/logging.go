// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package logging builds the zap loggers used by every binary.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logger type passed around the pilot.
type Logger = *zap.SugaredLogger

var (
	globalMu   sync.RWMutex
	globalBase *zap.Logger
)

// NewLoggerConfig returns the console config shared by all binaries:
// no stack traces, ISO8601 timestamps, coloured levels.
func NewLoggerConfig(debug bool) zap.Config {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// Init builds the process-wide base logger. Later calls replace it.
func Init(debug bool) error {
	base, err := NewLoggerConfig(debug).Build()
	if err != nil {
		return err
	}
	globalMu.Lock()
	globalBase = base
	globalMu.Unlock()
	return nil
}

// Named returns a child of the process logger. Before Init it falls back to
// a development logger so early startup messages are not lost.
func Named(name string) Logger {
	globalMu.RLock()
	base := globalBase
	globalMu.RUnlock()
	if base == nil {
		var err error
		if base, err = zap.NewDevelopment(); err != nil {
			base = zap.NewNop()
		}
	}
	return base.Named(name).Sugar()
}

// Sync flushes the process logger.
func Sync() {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}
