package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/urfave/cli/v3"

	"gorelay/configs"
	"gorelay/server"
)

// Version 构建时通过 -ldflags 覆盖
var Version = "dev"

func main() {
	app := &cli.Command{
		Name:    "gorelay",
		Usage:   "TCP broadcast relay",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the relay server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Config file path",
						Value:   "configs/config.yaml",
					},
					&cli.StringFlag{
						Name:  "addr",
						Usage: "TCP listen address (overrides config)",
					},
					&cli.StringFlag{
						Name:  "http-addr",
						Usage: "HTTP listen address for /ws, /metrics, /health (overrides config)",
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "Log level (debug, info, warn, error), overrides config",
					},
				},
				Action: runServe,
			},
			{
				Name:  "version",
				Usage: "Display version information",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("gorelay version %s\n", Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	// 热加载回调在watcher的goroutine中执行
	var current atomic.Pointer[slog.LevelVar]
	onChange := func(updated configs.Config) {
		level := current.Load()
		if level == nil || c.IsSet("log-level") {
			return
		}
		level.Set(configs.ParseLogLevel(updated.Log.Level))
		slog.Info("log level updated", "level", level.Level().String())
	}

	cfg, err := configs.LoadConfig(c.String("config"), onChange)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("http-addr") {
		cfg.Server.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if cfg.Version == "dev" {
		cfg.Version = Version
	}

	level := configs.SetupLogging(cfg.Log, os.Stdout)
	current.Store(level)
	slog.Info("logger initialized", "level", level.Level().String(), "format", cfg.Log.Format)

	srv, err := server.NewServerWithConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), configs.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
