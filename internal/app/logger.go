package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger on stdout. LOG_FORMAT=json selects the JSON handler.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	format, env := "", ""
	if cfg != nil {
		var level slog.Level
		if level.UnmarshalText([]byte(cfg.LogLevel)) == nil {
			opts.Level = level
		}
		format, env = cfg.LogFormat, cfg.AppEnv
	}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	if env != "" {
		logger = logger.With(slog.String("env", env))
	}
	return logger
}
