package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/config"
	"github.com/andresmejia3/checkpoint/internal/store"
)

var (
	// Cfg is loaded once in PersistentPreRunE and read-only afterwards
	Cfg config.Config
	// DB is the ticket repository, nil until a command asks for it
	DB *store.Store

	dbURL     string
	envFile   string
	logFormat string
	logLevel  string
	facesDir  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "checkpoint",
	Short:   "Biometric check-in kiosk engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		cfg, err := config.Load(files...)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Flags win over the environment
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if facesDir != "" {
			cfg.Vault.Dir = facesDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Cfg = cfg

		slog.SetDefault(newLogger(os.Stderr, cfg.Log))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load configuration from this file instead of ./.env")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (default: $LOG_FORMAT or text)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&facesDir, "faces-dir", "", "Enrollment record directory (default: $FACES_DIR or ./faces)")
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// connectDB opens the ticket repository on first use.
func connectDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	if Cfg.Database.URL == "" {
		return nil, fmt.Errorf("no database configured: set DATABASE_URL or --db")
	}
	s, err := store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}
