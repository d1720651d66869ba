// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package logger provides the package-level structured logger used
// throughout the daemon and maintenance tool. It wraps log/slog with a
// severity scale matching the CLI's --log-severity flag (trace through
// off) and a format switch between human-readable text and json.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels. slog only defines Debug/Info/Warn/Error; trace and off
// are this package's own extensions, placed below Debug and above Error
// respectively.
const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = 100
)

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// asyncBufferSize bounds how many pending log records InitLogFile's
// AsyncLogger will queue before it starts dropping messages rather than
// block the FUSE callback that triggered them.
const asyncBufferSize = 1024

// loggerFactory owns the mutable logging configuration: where logs go,
// in what format, and at what level. Rebuilding defaultLogger from this
// factory is how SetLogFormat and InitLogFile take effect without
// callers having to pass a *slog.Logger around.
type loggerFactory struct {
	out    io.Writer
	file   *lumberjack.Logger
	async  *AsyncLogger
	format string
	level  *slog.LevelVar
}

var defaultLoggerFactory = &loggerFactory{
	out:    os.Stderr,
	format: "text",
	level:  new(slog.LevelVar),
}

var defaultLogger = slog.New(defaultLoggerFactory.createHandler())

func (f *loggerFactory) createHandler() slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       f.level,
		ReplaceAttr: replaceAttr,
	}
	w := f.out
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(f.format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// replaceAttr renames slog's "level" key to "severity" and prints the
// five-value severity scale instead of slog's own names.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, _ := a.Value.Any().(slog.Level)
		return slog.String("severity", severityName(level))
	}
	return a
}

// setLoggingLevel maps a severity name (case-insensitive) onto v. Unknown
// names are treated as "info".
func setLoggingLevel(severity string, v *slog.LevelVar) {
	switch strings.ToUpper(severity) {
	case "TRACE":
		v.Set(LevelTrace)
	case "DEBUG":
		v.Set(LevelDebug)
	case "WARNING", "WARN":
		v.Set(LevelWarn)
	case "ERROR":
		v.Set(LevelError)
	case "OFF":
		v.Set(LevelOff)
	default:
		v.Set(LevelInfo)
	}
}

// SetLoggingLevel sets the minimum severity that reaches the default
// logger's output.
func SetLoggingLevel(severity string) {
	setLoggingLevel(severity, defaultLoggerFactory.level)
}

// SetLogFormat switches the default logger between "text" and "json"
// output, keeping the current destination and level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createHandler())
}

// InitLogFile redirects the default logger to a rotated file at path,
// using lumberjack for rotation (maxSizeMB, backups, compress) and
// setting format and severity in one call. An empty path leaves the
// logger writing to stderr.
//
// Writes to the file go through an AsyncLogger so that a slow or
// momentarily stalled disk never blocks the FUSE callback that produced
// the log line; any previously installed AsyncLogger is closed first so
// its buffered writes are flushed before the destination changes.
func InitLogFile(path, format, severity string, maxSizeMB, backups int, compress bool) error {
	if defaultLoggerFactory.async != nil {
		defaultLoggerFactory.async.Close()
		defaultLoggerFactory.async = nil
	}

	if path == "" {
		defaultLoggerFactory.out = os.Stderr
		defaultLoggerFactory.file = nil
	} else {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: backups,
			Compress:   compress,
		}
		async := NewAsyncLogger(lj, asyncBufferSize)
		defaultLoggerFactory.out = async
		defaultLoggerFactory.file = lj
		defaultLoggerFactory.async = async
	}
	defaultLoggerFactory.format = format
	setLoggingLevel(severity, defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createHandler())
	return nil
}

func logf(level slog.Level, format string, args ...interface{}) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// Tracef logs at the trace severity, the most verbose level.
func Tracef(format string, args ...interface{}) { logf(LevelTrace, format, args...) }

// Debugf logs at the debug severity.
func Debugf(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Infof logs at the info severity.
func Infof(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Warnf logs at the warning severity.
func Warnf(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Errorf logs at the error severity. Callers pass the failing operation's
// name as part of format/args; this package does not add its own "op"
// field since errs.Error already carries one.
func Errorf(format string, args ...interface{}) { logf(LevelError, format, args...) }
