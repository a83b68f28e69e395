package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/config"
	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/internal/recovery"
	"github.com/iksnae/chat-harvest/internal/store"
	"github.com/iksnae/chat-harvest/internal/syncer"
)

var (
	verbose    bool
	configPath string
	dbPath     string
	version    string = "dev"
	commit     string = "unknown"
	date       string = "unknown"

	cfg    *config.Config
	logger zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chat-harvest",
	Short: "Harvest, merge and sync AI assistant chat sessions",
	Long: `chat-harvest collects chat sessions from editor AI assistants into one
canonical store, keeps both sides in sync, and recovers sessions stranded
in orphaned workspaces.

Supported providers: VS Code chat storage and Cursor's global database.

Quick Start:
  chat-harvest harvest                  # Pull everything into the store
  chat-harvest list                     # List stored sessions
  chat-harvest scan --path .            # Find orphaned workspaces
  chat-harvest export --format md       # Export as Markdown

For detailed usage, see: https://github.com/iksnae/chat-harvest`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.DBPath = dbPath
		}
		cfg = loaded

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Session store location (overrides config)")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// openStore opens the canonical session store.
func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

// buildRegistry wires up every provider adapter. Directories may be
// overridden in config; empty means the platform default.
func buildRegistry() (*provider.Registry, error) {
	return provider.NewRegistry(
		provider.NewVSCodeAdapter(cfg.VSCodeDir),
		provider.NewCursorAdapter(cfg.CursorDir),
	)
}

func buildMerger() *internal.Merger {
	return internal.NewMerger(internal.MergerConfig{
		BucketMillis:     cfg.BucketMillis,
		ProviderPriority: cfg.ProviderPriority,
	})
}

func buildEngine(registry *provider.Registry, st *store.Store) *syncer.Engine {
	return syncer.NewEngine(registry, st, internal.NewKeyedMutex(), syncer.Options{
		KeepPartial: cfg.KeepPartial,
	}, logger)
}

func buildDetector(registry *provider.Registry, st *store.Store) *recovery.Detector {
	return recovery.NewDetector(registry, st, buildMerger(), internal.NewKeyedMutex(), logger)
}
