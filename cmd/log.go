package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func configureLogging(level string, json bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	handlerOptions := slog.HandlerOptions{Level: lvl}
	if lvl <= slog.LevelDebug {
		handlerOptions.AddSource = true
	}

	var logHandler slog.Handler
	if json || os.Getenv("RELKIT_LOG_JSON") != "" {
		logHandler = slog.NewJSONHandler(os.Stderr, &handlerOptions)
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &handlerOptions)
	}
	slog.SetDefault(slog.New(logHandler))
	slog.Debug("debug logging enabled")
	return nil
}
