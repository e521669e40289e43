// Copyright 2025 Kadir Pekel
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

// Package logger configures the process-wide slog logger. Log output
// always goes to stderr or a file; stdout is reserved for the stdio
// RPC surface.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const modulePrefix = "github.com/kadirpekel/sidekick"

// ParseLevel converts a level string to slog.Level. Unknown strings
// fall back to warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// lineHandler writes one formatted line per record: LEVEL message
// key=value..., with a timestamp prefix in verbose mode and ANSI colors
// on terminals.
type lineHandler struct {
	writer   io.Writer
	minLevel slog.Level
	color    bool
	verbose  bool
	attrs    []slog.Attr
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	// third-party records are suppressed unless debugging
	if h.minLevel > slog.LevelDebug && !fromThisModule(record.PC) {
		return nil
	}

	var buf strings.Builder
	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	level := record.Level.String()
	if level == "WARNING" {
		level = "WARN"
	}
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(level)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(level)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(writeAttr)
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *lineHandler) WithGroup(string) slog.Handler { return h }

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.Contains(fn.Name(), modulePrefix)
}

// Init installs the default logger. format is "simple" or "verbose";
// anything else falls back to the standard slog text handler.
func Init(level slog.Level, output *os.File, format string) {
	var handler slog.Handler
	switch format {
	case "simple", "", "verbose":
		handler = &lineHandler{
			writer:   output,
			minLevel: level,
			color:    isTerminal(output),
			verbose:  format == "verbose",
		}
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens the log file for appending.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// GetLogger returns the configured logger, initializing a stderr
// default on first use.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
