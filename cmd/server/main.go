package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
)

func newLogger(level string) logging.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	// Text for humans at a terminal, JSON for log collectors.
	var handler slog.Handler
	if term.IsTerminal(int(os.Stdout.Fd())) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return logging.NewSlogLogger(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := server.NewApp(cfg, newLogger(cfg.LogLevel))

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
