// TeamsMirror maintains an incremental local mirror of Microsoft Teams:
// teams, channels, chats, their members and their full message history,
// stored in a SQLite database for offline search and archival.
//
// Usage:
//
//	teamsmirror login [--config <path>]      # device-code sign-in, caches token
//	teamsmirror sync-once [--config <path>]  # single mirror pass then exit
//	teamsmirror daemon [--config <path>]     # continuous polling mirror
//	teamsmirror status                       # show config, token and DB state
//	teamsmirror version                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/teamsmirror/internal/auth"
	"github.com/njoerd114/teamsmirror/internal/config"
	"github.com/njoerd114/teamsmirror/internal/graph"
	"github.com/njoerd114/teamsmirror/internal/state"
	syncp "github.com/njoerd114/teamsmirror/internal/sync"
	"github.com/njoerd114/teamsmirror/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "login":
		return runLogin(os.Args[2:])
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "version":
		fmt.Println("teamsmirror", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'teamsmirror' for usage", cmd)
	}
}

// printUsage shows help and suggests login if no token is cached.
func printUsage() error {
	tokenPath, _ := auth.DefaultCachePath()
	_, tokenErr := os.Stat(tokenPath)

	fmt.Fprintln(os.Stderr, "TeamsMirror — mirror Microsoft Teams into local SQLite")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  teamsmirror login [--config ...]      Device-code sign-in")
	fmt.Fprintln(os.Stderr, "  teamsmirror sync-once [--config ...]  Single mirror pass then exit")
	fmt.Fprintln(os.Stderr, "  teamsmirror daemon [--config ...]     Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  teamsmirror status                    Show config, token and DB state")
	fmt.Fprintln(os.Stderr, "  teamsmirror version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if tokenErr != nil {
		fmt.Fprintln(os.Stderr, "No cached token found. Run 'teamsmirror login' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// commonFlags parses the flags shared by login/sync-once/daemon and loads the
// config and logger.
func commonFlags(name string, args []string) (*config.Config, *slog.Logger, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	return cfg, logger, nil
}

// --- Subcommands -------------------------------------------------------------

// runLogin walks the device-code flow and caches the resulting token.
func runLogin(args []string) error {
	cfg, logger, err := commonFlags("login", args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	session := auth.NewSession(cfg.Authority(), cfg.ClientID, cfg.Scopes, logger)
	if err := session.RequestCode(ctx); err != nil {
		return fmt.Errorf("requesting device code: %w", err)
	}

	code, _ := session.UserCode()
	uri, _ := session.VerificationURI()
	fmt.Printf("To sign in, open %s and enter the code %s\n", uri, code)
	fmt.Println("Waiting for you to complete the sign-in…")

	tok, err := session.PollForToken(ctx)
	if err != nil {
		return fmt.Errorf("waiting for sign-in: %w", err)
	}

	cachePath, err := auth.DefaultCachePath()
	if err != nil {
		return err
	}
	cache := auth.NewCache(cachePath, cfg.Authority(), cfg.ClientID, cfg.Scopes, logger)
	if err := cache.Save(tok); err != nil {
		return fmt.Errorf("caching token: %w", err)
	}

	if account, err := cache.Account(); err == nil && account != "" {
		fmt.Printf("✓ Signed in as %s\n", account)
	} else {
		fmt.Println("✓ Signed in")
	}
	fmt.Printf("  Token cached at %s\n", cachePath)
	return nil
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	name := "sync-once"
	if daemon {
		name = "daemon"
	}
	cfg, logger, err := commonFlags(name, args)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"graph_url", cfg.GraphURL,
		"poll_interval", cfg.PollInterval,
		"resync_days", *cfg.ResyncDays,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Mirror DB -----------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = state.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving mirror DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening mirror DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing mirror DB", "error", closeErr)
		}
	}()
	logger.Info("mirror DB opened", "path", dbPath)

	// --- Token cache & Graph client ------------------------------------------

	cachePath, err := auth.DefaultCachePath()
	if err != nil {
		return err
	}
	cache := auth.NewCache(cachePath, cfg.Authority(), cfg.ClientID, cfg.Scopes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Fail fast with a clear message when nobody has logged in yet.
	if _, err := cache.AccessToken(ctx); err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return fmt.Errorf("not signed in — run 'teamsmirror login' first")
		}
		return fmt.Errorf("obtaining access token: %w", err)
	}
	if account, err := cache.Account(); err == nil && account != "" {
		logger.Info("signed in", "account", account)
	}

	client := graph.NewClient(cfg.GraphURL, cache, logger)

	// --- Sync engine ---------------------------------------------------------

	reconciler := syncp.NewReconciler(client, store, *cfg.ResyncDays, logger)
	engine := syncp.NewEngine(reconciler, cfg.PollInterval, logger)

	if !daemon {
		logger.Info("running single mirror pass")
		stats, err := engine.RunOnce(ctx)
		logger.Info("mirror complete",
			"channels", stats.Channels,
			"channel_messages", stats.ChannelMessages,
			"chats", stats.Chats,
			"chat_messages", stats.ChatMessages,
			"deleted", stats.Deleted,
			"errors", stats.Errors,
		)
		return err
	}

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStatus prints the current configuration, token and mirror DB state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	tokenPath, _ := auth.DefaultCachePath()

	fmt.Println("TeamsMirror Status")
	fmt.Println("──────────────────")

	// Config state.
	dbPath := ""
	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		var loadErr error
		if cfg, loadErr = config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", cfgPath)
			fmt.Printf("  Tenant:    %s\n", cfg.Tenant)
			fmt.Printf("  Graph:     %s\n", cfg.GraphURL)
			fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
			fmt.Printf("  Resync:    every %d day(s)\n", *cfg.ResyncDays)
			dbPath = cfg.DBPath
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	// Token state.
	if _, err := os.Stat(tokenPath); err == nil {
		fmt.Printf("  Token:     %s ✓\n", tokenPath)
		if cfg != nil {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			cache := auth.NewCache(tokenPath, cfg.Authority(), cfg.ClientID, cfg.Scopes, logger)
			if account, err := cache.Account(); err == nil && account != "" {
				fmt.Printf("  Account:   %s\n", account)
			}
		}
	} else {
		fmt.Println("  Token:     not cached (run 'teamsmirror login')")
	}

	// Mirror DB.
	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Println("  Mirror DB: not found")
		return nil
	}
	fmt.Printf("  Mirror DB: %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Printf("             (unreadable: %v)\n", err)
		return nil
	}
	defer store.Close()

	sum, err := store.Summarize(context.Background())
	if err != nil {
		fmt.Printf("             (summary failed: %v)\n", err)
		return nil
	}
	fmt.Printf("  Channels:  %d live, %d deleted, %d messages\n",
		sum.Channels, sum.DeletedChannels, sum.ChannelMessages)
	fmt.Printf("  Chats:     %d, %d messages\n", sum.Chats, sum.ChatMessages)
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
