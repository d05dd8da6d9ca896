package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub005/internal/api"
	"github.com/regix1/lancache-manager-sub005/internal/config"
	"github.com/regix1/lancache-manager-sub005/internal/legacy"
	"github.com/regix1/lancache-manager-sub005/internal/opstate"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagAPIKey     string
	flagVerbose    bool
	flagQuiet      bool
	flagNoWait     bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main and from CLI tests.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lancache-opstate",
		Short:   "Track long-running lancache server operations",
		Long:    "Start, track, cancel, and recover long-running lancache management operations (cache clears, log reprocessing, per-service log removal) across client restarts.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "management API base URL")
	cmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "management API key")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newClearCacheCmd())
	cmd.AddCommand(newProcessLogsCmd())
	cmd.AddCommand(newRemoveServiceCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// app bundles the wired-up client stack for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *api.Client
	proxy  *opstate.Proxy
	events *opstate.Subscriber
}

// newApp loads config, builds the logger, and wires the API client, the
// operation-state proxy, and the push subscriber.
func newApp() (*app, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	if flagServerURL != "" {
		cfg.Server.URL = flagServerURL
	}

	if flagAPIKey != "" {
		cfg.Server.APIKey = flagAPIKey
	}

	logger := buildLogger(cfg)

	httpClient := &http.Client{Timeout: config.Duration(cfg.Server.Timeout)}
	client := api.NewClient(cfg.Server.URL, httpClient, cfg.Server.APIKey, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		proxy:  opstate.NewProxy(client, logger),
		events: opstate.NewSubscriber(cfg.WebsocketURL(), cfg.Server.APIKey, nil, logger),
	}, nil
}

// close tears the stack down, flushing any pending debounced updates so
// the last known progress still reaches the store.
func (a *app) close() {
	a.events.Stop()
	a.proxy.Flush()
	a.proxy.Close()
}

// openLegacy opens the legacy state database, or nil when none is
// configured. Absence is normal on fresh installs.
func (a *app) openLegacy() *legacy.Store {
	path := a.cfg.State.LegacyDBPath
	if path == "" {
		return nil
	}

	store, err := legacy.Open(path, a.logger)
	if err != nil {
		a.logger.Warn("legacy state database unavailable, skipping migration",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return store
}

// kindSpec wires one operation kind's binding and reconciler endpoints.
type kindSpec struct {
	name      string
	key       string
	typ       api.OperationType
	pushEvent string
	interval  time.Duration
	status    opstate.StatusFunc
	cancel    opstate.CancelFunc
}

// kinds enumerates the operation kinds this client tracks.
func (a *app) kinds() []kindSpec {
	return []kindSpec{
		{
			name:      "clear-cache",
			key:       opstate.KeyCacheClear,
			typ:       api.OpCacheClearing,
			pushEvent: opstate.EventCacheClearProgress,
			interval:  config.Duration(a.cfg.Polling.CacheClearInterval),
			status:    a.client.CacheClearStatus,
			cancel:    a.client.CancelCacheClear,
		},
		{
			name:      "process-logs",
			key:       opstate.KeyLogProcessing,
			typ:       api.OpLogProcessing,
			pushEvent: opstate.EventLogProcessingProgress,
			interval:  config.Duration(a.cfg.Polling.LogProcessingInterval),
			status: func(ctx context.Context, _ string) (*api.OperationStatus, error) {
				return a.client.LogProcessingStatus(ctx)
			},
			cancel: func(ctx context.Context, _ string) error {
				return a.client.CancelLogProcessing(ctx)
			},
		},
		{
			name:      "remove-service",
			key:       opstate.KeyServiceRemoval,
			typ:       api.OpServiceRemoval,
			pushEvent: opstate.EventServiceRemovalProgress,
			interval:  config.Duration(a.cfg.Polling.ServiceRemovalInterval),
			status:    a.client.ServiceRemovalStatus,
			cancel:    a.client.CancelServiceRemoval,
		},
	}
}

// kind looks one spec up by name.
func (a *app) kind(name string) (kindSpec, bool) {
	for _, k := range a.kinds() {
		if k.name == name {
			return k, true
		}
	}

	return kindSpec{}, false
}

// buildLogger creates an slog.Logger from config and flags. Text output
// for terminals, JSON when piped; --verbose and --quiet always win over
// the config level.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
