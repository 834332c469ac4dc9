// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the daemon's structured logging, built on
// log/slog the way gcsfuse's own internal/logger wraps it: a package-level
// logger configured once at startup, five severities (TRACE below DEBUG,
// through ERROR), and a choice of text or JSON handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Severity level names accepted by Init (through setLoggingLevel), matching the strings a
// CLI flag or config file would carry.
const (
	LevelOffName     = "OFF"
	LevelErrorName   = "ERROR"
	LevelWarningName = "WARNING"
	LevelInfoName    = "INFO"
	LevelDebugName   = "DEBUG"
	LevelTraceName   = "TRACE"
)

// slog.Level only defines Debug/Info/Warn/Error out of the box; TRACE sits
// below Debug and OFF sits above Error, wide enough that nothing short of
// an explicit opt-out reaches it.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = 12
)

var severityNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type loggerFactory struct {
	writer io.Writer
	format string
	level  *slog.LevelVar
}

func (f *loggerFactory) createHandler() slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := severityNames[level]; ok {
					a.Value = slog.StringValue(name)
					a.Key = "severity"
				}
			}
			return a
		},
	}

	if f.format == "json" {
		return slog.NewJSONHandler(f.writer, opts)
	}
	return slog.NewTextHandler(f.writer, opts)
}

var defaultLoggerFactory = &loggerFactory{
	writer: os.Stderr,
	format: "text",
	level:  func() *slog.LevelVar { v := new(slog.LevelVar); v.Set(LevelInfo); return v }(),
}

var defaultLogger = slog.New(defaultLoggerFactory.createHandler())

// Init configures the package-level logger's format and severity. Called
// once at startup, before the mount handshake, so every subsequent opcode
// log line is subject to the configured level.
func Init(format, severity string) error {
	defaultLoggerFactory.format = format
	if err := setLoggingLevel(severity, defaultLoggerFactory.level); err != nil {
		return err
	}
	defaultLogger = slog.New(defaultLoggerFactory.createHandler())
	return nil
}

func setLoggingLevel(severity string, level *slog.LevelVar) error {
	switch severity {
	case LevelTraceName:
		level.Set(LevelTrace)
	case LevelDebugName:
		level.Set(LevelDebug)
	case LevelInfoName, "":
		level.Set(LevelInfo)
	case LevelWarningName:
		level.Set(LevelWarn)
	case LevelErrorName:
		level.Set(LevelError)
	case LevelOffName:
		level.Set(LevelOff)
	default:
		return fmt.Errorf("logger: unknown severity %q", severity)
	}
	return nil
}

func logf(level slog.Level, format string, v ...any) {
	ctx := context.Background()
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(LevelError, format, v...) }

// levelWriter routes whatever a *log.Logger writes to it through the
// package's own slog-backed logger at a fixed severity.
type levelWriter struct {
	level slog.Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	logf(w.level, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewLegacyLogger adapts the package's structured logger to the
// stdlib *log.Logger interface some third-party libraries (jacobsa/fuse's
// MountConfig.ErrorLogger/DebugLogger) still expect, so their own internal
// diagnostics flow through the same severity pipeline and format as
// everything else the daemon logs.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return log.New(levelWriter{level: level}, prefix, 0)
}
