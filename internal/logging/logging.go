// Package logging installs the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/lending-ledger/internal/config"
)

// Rotation limits for file output.
const (
	maxSizeMB  = 100
	maxBackups = 5
	maxAgeDays = 28
)

// Setup configures slog and the standard library logger from cfg and returns
// the logger tagged with service. Output goes to stdout unless cfg.File is
// set, in which case it is written through a rotating file. The returned
// closer releases that file.
func Setup(service string, cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if file := strings.TrimSpace(cfg.File); file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	handler, err := NewHandler(out, cfg)
	if err != nil {
		return nil, nil, err
	}
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer, nil
}

// NewHandler builds the record handler for cfg writing to w. Keys are
// renamed to timestamp, severity and message.
func NewHandler(w io.Writer, cfg config.LoggingConfig) (slog.Handler, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
}

// ParseLevel maps debug, info, warn or error to a slog level. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
