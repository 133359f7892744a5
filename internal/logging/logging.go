// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package logging builds the *slog.Logger used by rconctl. Records are rendered by zerolog's
// console writer, so library code logs through log/slog while the terminal output matches the
// rest of the tooling.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "RCON_LOG_LEVEL"
	EnvLogTimestamp = "RCON_LOG_TIMESTAMP"
	EnvLogNoColor   = "RCON_LOG_NOCOLOR"
)

// Config controls the logger returned by New.
type Config struct {
	Level     slog.Level
	Disabled  bool
	Timestamp bool
	NoColor   bool
	Out       io.Writer
}

// DefaultConfig logs warnings and above to stderr with timestamps.
func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelWarn,
		Timestamp: true,
		Out:       os.Stderr,
	}
}

// ApplyEnv overrides cfg from the RCON_LOG_* variables. Unset or unparsable values are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if lvl, disabled, ok := ParseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level, cfg.Disabled = lvl, disabled
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel maps a level name to a slog level. The second result reports whether the name turns
// logging off entirely.
func ParseLevel(raw string) (slog.Level, bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return slog.LevelDebug - 4, false, true
	case "debug":
		return slog.LevelDebug, false, true
	case "info":
		return slog.LevelInfo, false, true
	case "warn", "warning":
		return slog.LevelWarn, false, true
	case "error":
		return slog.LevelError, false, true
	case "disabled", "off", "none":
		return slog.LevelError, true, true
	default:
		return slog.LevelInfo, false, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// New returns a logger writing to cfg.Out through a zerolog console writer.
func New(cfg Config) *slog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		w.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	zl := zerolog.New(w).Level(zerologLevel(cfg.Level))
	if cfg.Disabled {
		zl = zl.Level(zerolog.Disabled)
	}
	if cfg.Timestamp {
		zl = zl.With().Timestamp().Logger()
	}
	return slog.New(&handler{logger: zl, level: cfg.Level, disabled: cfg.Disabled})
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelDebug:
		return zerolog.TraceLevel
	case l < slog.LevelInfo:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// handler is a slog.Handler that emits zerolog events.
type handler struct {
	logger   zerolog.Logger
	level    slog.Level
	disabled bool

	// attrs have their group prefix applied already.
	attrs  []slog.Attr
	prefix string
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return !h.disabled && l >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	ev := h.logger.WithLevel(zerologLevel(r.Level))
	if ev == nil {
		return nil
	}
	for _, a := range h.attrs {
		addAttr(ev, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(ev, h.prefix, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func addAttr(ev *zerolog.Event, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := prefix + a.Key

	switch a.Value.Kind() {
	case slog.KindString:
		ev.Str(key, a.Value.String())
	case slog.KindInt64:
		ev.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		ev.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		ev.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		ev.Dur(key, a.Value.Duration())
	case slog.KindTime:
		ev.Time(key, a.Value.Time())
	case slog.KindGroup:
		groupPrefix := key + "."
		if a.Key == "" {
			groupPrefix = prefix
		}
		for _, ga := range a.Value.Group() {
			addAttr(ev, groupPrefix, ga)
		}
	default:
		if err, ok := a.Value.Any().(error); ok {
			ev.AnErr(key, err)
			return
		}
		ev.Interface(key, a.Value.Any())
	}
}
