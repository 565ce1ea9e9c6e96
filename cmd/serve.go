package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/api"
	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/andresmejia3/reframer/internal/logging"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string
	serveEvents string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reframe job API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), Cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8090)")
	serveCmd.Flags().StringVar(&serveEvents, "events", "", "ZeroMQ PUB endpoint for job events, e.g. tcp://*:5560")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	endpoint := cfg.Jobs.EventsEndpoint
	if serveEvents != "" {
		endpoint = serveEvents
	}

	aopts, err := analysisOptions(cfg, Options{})
	if err != nil {
		utils.ShowError("Invalid analysis configuration", err, nil)
		return err
	}
	analyzer, closeProviders, err := newAnalyzer(ctx, cfg, "")
	if err != nil {
		utils.ShowError("Failed to start analysis engine", err, nil)
		return err
	}
	defer closeProviders()

	store, err := analysis.NewStore(cfg.StorageDir)
	if err != nil {
		utils.ShowError("Failed to open analysis storage", err, nil)
		return err
	}
	defer store.Close()

	manager := jobs.NewManager(newPipeline(cfg, analyzer, store, aopts), jobOptions(cfg))
	defer manager.Close()
	manager.StartJanitor(ctx, cfg.Jobs.JanitorInterval)

	if endpoint != "" {
		pub, err := jobs.NewPublisher(endpoint, logging.WithComponent("events"))
		if err != nil {
			utils.ShowError("Failed to bind event publisher", err, nil)
			return err
		}
		events, unsubscribe := manager.Subscribe("")
		defer unsubscribe()
		go pub.Forward(ctx, events)
		fmt.Fprintf(os.Stderr, "📡 Publishing job events on %s\n", endpoint)
	}

	server := api.NewServer(manager, store, logging.WithComponent("api"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(addr)
	}()
	fmt.Fprintf(os.Stderr, "🚀 Reframer API listening on %s\n", addr)

	select {
	case err := <-errCh:
		if err != nil {
			utils.ShowError("API server failed", err, nil)
		}
		return err
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "\n🛑 Shutting down...\n")
		return server.Shutdown()
	}
}
