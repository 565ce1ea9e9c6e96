package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/logging"
	"github.com/andresmejia3/reframer/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the analyze and reframe commands
type Options struct {
	InputPath       string
	OutputPath      string
	VideoID         string
	AspectRatio     string
	Strategy        string
	SampleRate      int
	ROICount        int
	MaxFrames       int
	Workers         int
	Start           float64
	End             float64
	SmoothingFactor float64
	MaxMovement     float64
	NoReencode      bool
}

var (
	// DB is the optional database connection shared by subcommands. It stays nil
	// when no connection string is configured.
	DB *store.Store
	// Cfg is the loaded configuration.
	Cfg *config.Config

	dbURL      string
	configPath string
	logLevel   string
	logJSON    bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "reframer",
	Short:   "Saliency-driven video reframing engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logJSON {
			cfg.Log.JSON = true
		}
		logging.Init(cfg.Log.Level, cfg.Log.JSON)
		Cfg = cfg
		cmd.SetContext(config.WithConfig(cmd.Context(), cfg))

		// If no flag was provided, try the config file and then the environment
		if dbURL == "" {
			dbURL = cfg.DatabaseURL
		}
		if dbURL == "" {
			if host := os.Getenv("POSTGRES_HOST"); host != "" {
				user := os.Getenv("POSTGRES_USER")
				pass := os.Getenv("POSTGRES_PASSWORD")
				name := os.Getenv("POSTGRES_DB")
				port := os.Getenv("POSTGRES_PORT")
				if port == "" {
					port = "5432"
				}
				dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
			}
		}
		if dbURL == "" {
			// The index is optional; analyses are always kept on disk.
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
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
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the analysis index (optional)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./reframer.yaml or ~/.reframer/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs instead of console output")
}
