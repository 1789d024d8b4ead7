package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/annika-hq/plannersync/internal/config"
)

// newLogger builds the process logger. With a log file configured, records
// go to a size-rotated file instead of stderr; the returned closer is then
// non-nil.
func newLogger(s config.LogSettings, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if lv := strings.TrimSpace(s.Level); lv != "" {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			return nil, nil, fmt.Errorf("invalid log.level %q: %w", s.Level, err)
		}
	}

	out := stderr
	var closer io.Closer
	if s.File != "" {
		lj := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(s.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log.format %q (valid: text, json)", s.Format)
	}
	return slog.New(h).With("service", "plannersync"), closer, nil
}
