// Package main is the CLI entrypoint for a Synapsis node. It provides
// subcommands for running the server (serve), managing database migrations
// (migrate), and printing version information (version). The serve command
// loads configuration, connects to PostgreSQL, runs pending migrations,
// loads or generates this node's long-term federation keypair, wires every
// domain service, starts the HTTP server and background task scheduler, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyph3rasi/synapsis/internal/api"
	"github.com/cyph3rasi/synapsis/internal/config"
	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/database"
	"github.com/cyph3rasi/synapsis/internal/dm"
	"github.com/cyph3rasi/synapsis/internal/identity"
	"github.com/cyph3rasi/synapsis/internal/interactions"
	"github.com/cyph3rasi/synapsis/internal/keyresolve"
	"github.com/cyph3rasi/synapsis/internal/posts"
	"github.com/cyph3rasi/synapsis/internal/pullfed"
	"github.com/cyph3rasi/synapsis/internal/ratelimit"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
	"github.com/cyph3rasi/synapsis/internal/scheduler"
	"github.com/cyph3rasi/synapsis/internal/signedaction"
	"github.com/cyph3rasi/synapsis/internal/swarm"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Synapsis — Federated Social Network Node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  synapsisd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Synapsis node")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  synapsis.toml (or set SYNAPSIS_CONFIG_PATH)")
	fmt.Println("  Env prefix:   SYNAPSIS_ (e.g. SYNAPSIS_DATABASE_URL)")
}

// runServe starts the full Synapsis node: loads config, connects to
// PostgreSQL, runs migrations, loads or generates this node's federation
// keypair, wires every domain service, and starts the HTTP server and
// background task scheduler, handling graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting synapsis",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reconfigure logger with loaded settings.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	nodeKey, err := ensureNodeKey(cfg.Swarm.NodeKeyPath)
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	logger.Info("node key ready", slog.String("path", cfg.Swarm.NodeKeyPath))

	identityCache := remoteidentity.New(cfg.Swarm.AllowKeyRotation)

	swarmSvc := swarm.New(swarm.Config{
		Pool:       db.Pool,
		NodeDomain: cfg.Instance.Domain,
		NodeKey:    nodeKey,
	})

	handleRegistry := swarm.NewPgHandleRegistry(db.Pool)

	keyresolveSvc := keyresolve.New(keyresolve.Config{
		Pool:     db.Pool,
		Registry: handleRegistry,
		Nodes:    swarmSvc,
		Cache:    identityCache,
	})

	identitySvc := identity.New(db.Pool, cfg.Instance.Domain)

	actionLimiter := ratelimit.NewDefault()
	verifier := signedaction.New(signedaction.Config{
		Pool:    db.Pool,
		Limiter: actionLimiter,
	})

	interactionsSvc := interactions.New(interactions.Config{
		Pool:       db.Pool,
		NodeDomain: cfg.Instance.Domain,
		Node:       swarmSvc,
		Resolver:   keyresolveSvc,
		Logger:     logger,
	})

	pullfedSvc := pullfed.New(pullfed.Config{
		Pool:  db.Pool,
		Nodes: swarmSvc,
	})

	dmSvc := dm.New(dm.Config{
		Pool:       db.Pool,
		NodeDomain: cfg.Instance.Domain,
		Node:       swarmSvc,
		Resolver:   keyresolveSvc,
		Pull:       pullfedSvc,
	})

	postsSvc := posts.New(db.Pool, cfg.Instance.Domain)

	schedulerMgr := scheduler.New(logger)
	for _, task := range scheduler.BuildDefaultTasks(scheduler.DefaultTasksConfig{
		Logger: logger,
		Seeds:  cfg.Swarm.Seeds,
		Announce: func(ctx context.Context, seeds []string, logger *slog.Logger) {
			swarmSvc.AnnounceToSeeds(ctx, seeds, logger)
		},
		Gossip: func(ctx context.Context, logger *slog.Logger) {
			swarmSvc.GossipRound(ctx, handleRegistry, logger)
		},
		SyncFollows:   pullfedSvc,
		DeliverQueued: interactionsSvc,
	}) {
		schedulerMgr.AddTask(task)
	}

	srv := api.NewServer(api.Config{
		Pool:           db.Pool,
		AppConfig:      cfg,
		Identity:       identitySvc,
		Verifier:       verifier,
		Swarm:          swarmSvc,
		HandleRegistry: handleRegistry,
		Interactions:   interactionsSvc,
		DM:             dmSvc,
		Pull:           pullfedSvc,
		KeyResolve:     keyresolveSvc,
		Posts:          postsSvc,
		Scheduler:      schedulerMgr,
		Logger:         logger,
	})

	schedulerMgr.Start(ctx)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	schedulerMgr.Stop()

	logger.Info("synapsis stopped")
	return nil
}

// ensureNodeKey loads this node's long-term ECDSA P-256 federation keypair
// from path, generating and persisting a fresh one on first run. The file
// holds the PKCS8 DER private key directly; the public key and did:key are
// always derivable from it, so nothing else needs to be stored alongside.
func ensureNodeKey(path string) (*ecdsa.PrivateKey, error) {
	der, err := os.ReadFile(path)
	if err == nil {
		return cryptoutil.ParsePrivateKeyPKCS8(der)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading node key file %q: %w", path, err)
	}

	pair, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating node key: %w", err)
	}

	der, err = cryptoutil.MarshalPrivateKeyPKCS8(pair.Private)
	if err != nil {
		return nil, fmt.Errorf("marshaling node key: %w", err)
	}

	if err := os.WriteFile(path, der, 0o600); err != nil {
		return nil, fmt.Errorf("writing node key file %q: %w", path, err)
	}

	return pair.Private, nil
}

func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

func runVersion() {
	fmt.Printf("Synapsis %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from SYNAPSIS_CONFIG_PATH env var
// or the default "synapsis.toml".
func configPath() string {
	if p := os.Getenv("SYNAPSIS_CONFIG_PATH"); p != "" {
		return p
	}
	return "synapsis.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
