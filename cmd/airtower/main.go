package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"airtower/tower"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file")
	httpListen := pflag.String("listen", "", "override http.listen from config")
	logLevel := pflag.String("log-level", "", "override log_level from config")
	pflag.Parse()

	// Optional .env overlay; absence is not an error.
	_ = godotenv.Load()
	if p := os.Getenv("AIRTOWER_CONFIG"); p != "" && !pflag.CommandLine.Changed("config") {
		*configPath = p
	}

	cfg, err := tower.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	if *httpListen != "" {
		cfg.HTTPListen = *httpListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	service, err := tower.NewService(cfg, logger)
	if err != nil {
		logger.Error("service init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := service.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("tower stopped with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
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
