// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import "go.uber.org/zap"

// Logger is the structured logging seam every component in this package
// takes instead of calling a global logger directly, letting tests pass
// a no-op implementation. Method shapes mirror zap's SugaredLogger
// key-value convention.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger builds the production Logger. verbose selects debug-level
// output for local diagnosis; early-boot deployments run non-verbose.
func NewLogger(verbose bool) (Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, Wrap(ErrKindInternal, "new_logger", err)
	}
	return &zapLogger{sugar: l.Sugar()}, nil
}

func (z *zapLogger) Info(msg string, kv ...interface{})  { z.sugar.Infow(msg, kv...) }
func (z *zapLogger) Warn(msg string, kv ...interface{})  { z.sugar.Warnw(msg, kv...) }
func (z *zapLogger) Error(msg string, kv ...interface{}) { z.sugar.Errorw(msg, kv...) }

// NopLogger discards every call, used by tests and callers that opt out
// of structured logging entirely.
type NopLogger struct{}

func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
