package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andresmejia3/shroud/internal/cache"
	"github.com/andresmejia3/shroud/internal/store"
	"github.com/spf13/cobra"
)

// skipDB marks commands that never touch Postgres.
const skipDB = "shroud/skip-db"

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cache mirrors job status; nil when --redis is not configured
	Cache *cache.RedisCache

	dbURL     string
	redisURL  string
	logLevel  string
	logFormat string

	logger = slog.Default()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "shroud",
	Short:   "Video depersonalization pipeline (face and license plate redaction)",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)

		if cmd.Annotations[skipDB] == "true" {
			return nil
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = databaseURLFromEnv()
		}

		if redisURL == "" {
			redisURL = os.Getenv("REDIS_URL")
		}

		// Use the command's context (which will be cancellable) for the connections
		DB, Cache, err = openBackends(cmd.Context(), dbURL, redisURL)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Cache != nil {
			Cache.Close()
		}
	},
}

// openBackends connects to Postgres and, when redisURL is set, Redis.
// On error nothing is left open.
func openBackends(ctx context.Context, dbURL, redisURL string) (*store.Store, *cache.RedisCache, error) {
	db, err := store.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if redisURL == "" {
		return db, nil, nil
	}

	rc, err := cache.NewRedisCache(redisURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return db, rc, nil
}

func databaseURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/shroud"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want json or text)", format)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/shroud)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL for the job status mirror (default: $REDIS_URL, disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
}
