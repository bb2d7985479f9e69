package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/BadgerOps/reposync/internal/archdb"
	"github.com/BadgerOps/reposync/internal/config"
	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/BadgerOps/reposync/internal/packages"
	"github.com/BadgerOps/reposync/internal/store"
	"github.com/BadgerOps/reposync/internal/store/redisstore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// packageTable is a package table backend the CLI owns and closes.
type packageTable interface {
	packages.Table
	Close() error
}

var (
	// Global flags
	cfgPath   string
	envFile   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStatus mirror.StatusFetcher
	globalRater  mirror.MirrorRater
	globalReader *archdb.Reader

	// Opened on demand by commands that touch the package table
	globalStore *store.Store
	globalTable packageTable
)

// initializeComponents builds the mirror status client, rater and database
// reader from the loaded config. None of them do I/O until used.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	mc := globalCfg.Mirror

	globalStatus = mirror.NewStatusClient(mirror.StatusOptions{
		URL:               mc.StatusURL,
		CachePath:         statusCachePath(),
		CacheTimeout:      mc.CacheTimeoutDuration(),
		ConnectionTimeout: mc.ConnectionTimeoutDuration(),
	}, logger)

	globalRater = mirror.NewRater(mirror.RaterOptions{
		Workers:           mc.RaterThreadCount,
		ConnectionTimeout: mc.ConnectionTimeoutDuration(),
		DBSubpath:         path.Join("core/os", mc.Arch, "core.db"),
	}, logger)

	globalReader = archdb.NewReader(nil, logger)

	logger.Debug("components initialized")
	return nil
}

// statusCachePath resolves the status cache file for the current user.
func statusCachePath() string {
	username := "reposync"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return mirror.StatusCachePath(os.Getenv("XDG_CACHE_HOME"), os.TempDir(), username)
}

// newSelector builds a mirror selector from the global status client and
// rater using the configured filter settings. age_hours 0 means no limit
// here as it does for mirror listings.
func newSelector() *mirror.Selector {
	mc := globalCfg.Mirror
	maxAge := mc.AgeHours
	if maxAge == 0 {
		maxAge = mirror.NoAgeLimit
	}
	return mirror.NewSelector(globalStatus, globalRater, mirror.SelectorOptions{
		Protocols:        mc.Protocols,
		MaxAgeHours:      maxAge,
		MinCompletionPct: mc.MinCompletionPct,
		Arch:             mc.Arch,
	}, logger)
}

// configCriteria returns the filter criteria the config describes.
func configCriteria() mirror.Criteria {
	mc := globalCfg.Mirror
	return mirror.Criteria{
		Countries:        mc.Countries,
		Protocols:        mc.Protocols,
		MaxAgeHours:      mc.AgeHours,
		MinCompletionPct: mc.MinCompletionPct,
	}
}

// openStores opens the SQLite store and, for the redis backend, the redis
// package table. The SQLite store always records update runs.
func openStores(ctx context.Context) error {
	if globalStore != nil {
		return nil
	}
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.PackageTable.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	globalTable = st

	if globalCfg.PackageTable.Backend == config.BackendRedis {
		rs, err := redisstore.Open(ctx, globalCfg.PackageTable.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("failed to open redis package table: %w", err)
		}
		globalTable = rs
	}
	return nil
}

// closeStore closes the global store connections
func closeStore() {
	if globalTable != nil && globalTable != packageTable(globalStore) {
		if err := globalTable.Close(); err != nil {
			logger.Error("failed to close package table", "error", err)
		}
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
	globalStore = nil
	globalTable = nil
}

// loadEnvFile loads KEY=value lines into the process environment. A missing
// default .env is not an error; a missing explicit --env-file is.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	logger.Debug("loaded environment file", "path", path)
	return nil
}

// loadConfig finds and loads the config file, then applies environment
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		var err error
		cfgPath, err = config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
	}

	cfg := config.DefaultConfig()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reposync",
		Short: "Arch Linux mirror selection and package table sync",
		Long: `reposync picks the fastest up-to-date Arch Linux mirror for a set of
countries and keeps a package table in step with the repositories it serves.
It can also list, filter, rate and save mirrors like reflector, and serve the
same views over a JSON API.`,
		Example: `  reposync mirrors --country DE,FR --sort rate --number 10 --save /etc/pacman.d/mirrorlist
  reposync best --country DE
  reposync update --dry-run
  reposync packages list core
  reposync serve --listen 127.0.0.1:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if err := loadEnvFile(envFile); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			globalCfg = cfg

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "backend", globalCfg.PackageTable.Backend)
			}

			if err := initializeComponents(); err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file with REPOSYNC_* overrides (default ./.env if present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newMirrorsCmd(),
		newCountriesCmd(),
		newBestCmd(),
		newUpdateCmd(),
		newPackagesCmd(),
		newStatusCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// commandContext returns the command's context, or a background context
// when the command was invoked outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
