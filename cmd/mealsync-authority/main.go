// Command mealsync-authority runs the reference sync authority: the batch
// endpoint that mealsync daemons replay their offline queues to, backed by
// SQLite.
//
// Usage:
//
//	MEALSYNC_JWT_SECRET=... mealsync-authority -config mealsync.toml
//	mealsync-authority -init -db ./data/authority.db
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/mealsync/internal/authority"
	"github.com/clawinfra/mealsync/internal/config"
	"github.com/clawinfra/mealsync/internal/security"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mealsync-authority", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (defaults apply when empty)")
	dbPath := fs.String("db", "", "database path (overrides authority.dbPath)")
	port := fs.Int("port", 0, "listen port (overrides authority.port)")
	initOnly := fs.Bool("init", false, "create the database schema and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Authority.DBPath = *dbPath
	}
	if *port != 0 {
		cfg.Authority.Port = *port
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if err := serve(context.Background(), cfg, *initOnly, logger); err != nil {
		logger.Error("authority failed", "error", err)
		return 1
	}
	return 0
}

func serve(parent context.Context, cfg *config.Config, initOnly bool, logger *slog.Logger) error {
	path := cfg.AuthorityDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	store, err := authority.OpenStore(path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	if initOnly {
		logger.Info("schema created", "db", path)
		return nil
	}

	secret := security.SecretFromEnv(cfg.Authority.JWTSecretEnv)
	server := authority.NewServer(store, secret, cfg.Authority.Port, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if n, err := store.AppliedCount(context.Background()); err == nil {
			logger.Info("authority stopping", "applied_actions", n)
		}
		return nil
	})
	return g.Wait()
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
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
