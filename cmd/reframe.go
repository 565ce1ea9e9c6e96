package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/andresmejia3/reframer/internal/logging"
	"github.com/andresmejia3/reframer/internal/reframe"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var reframeOpts Options

var reframeCmd = &cobra.Command{
	Use:   "reframe",
	Short: "Reframe a video to a new aspect ratio following its salient content",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("smoothing") {
			reframeOpts.SmoothingFactor = Cfg.Reframe.SmoothingFactor
		}
		if !cmd.Flags().Changed("max-movement") {
			reframeOpts.MaxMovement = Cfg.Reframe.MaxMovement
		}
		return runReframe(cmd.Context(), Cfg, reframeOpts)
	},
}

func init() {
	reframeCmd.Flags().StringVarP(&reframeOpts.InputPath, "input", "i", "", "Path to input video")
	reframeCmd.Flags().StringVarP(&reframeOpts.OutputPath, "output", "o", "", "Path to output video (default: <output_dir>/<video_id>_reframed_<aspect>.mp4)")
	reframeCmd.Flags().StringVar(&reframeOpts.VideoID, "video-id", "", "Identifier for the analysis (default: content hash of the file)")
	reframeCmd.Flags().StringVarP(&reframeOpts.AspectRatio, "aspect", "a", "", "Target aspect ratio, e.g. 9:16, 1:1, 4:3")
	reframeCmd.Flags().StringVarP(&reframeOpts.Strategy, "strategy", "s", "", "Saliency strategy: robust, hybrid, segmentation")
	reframeCmd.Flags().IntVarP(&reframeOpts.SampleRate, "sample-rate", "n", 0, "Analyze every Nth frame (default from config)")
	reframeCmd.Flags().IntVarP(&reframeOpts.Workers, "workers", "w", 0, "Frames analyzed concurrently (default from config)")
	reframeCmd.Flags().Float64Var(&reframeOpts.SmoothingFactor, "smoothing", 0.3, "Share of each crop step that is applied (0 disables smoothing)")
	reframeCmd.Flags().Float64Var(&reframeOpts.MaxMovement, "max-movement", 15, "Maximum crop movement per frame in pixels")
	reframeCmd.Flags().BoolVar(&reframeOpts.NoReencode, "no-reencode", false, "Skip the final H.264 re-encode")

	reframeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(reframeCmd)
}

// newPipeline builds the reframe runner shared by the reframe and serve commands.
func newPipeline(cfg *config.Config, analyzer *analysis.Analyzer, store *analysis.Store, aopts analysis.Options) *jobs.Pipeline {
	p := &jobs.Pipeline{
		Analyzer: analyzer,
		Store:    store,
		Open:     video.Open,
		Create:   video.CreateFFmpeg,
		Reencode: video.Reencode,
		Analysis: aopts,
		Params: reframe.Params{
			SmoothingFactor: cfg.Reframe.SmoothingFactor,
			MaxMovement:     cfg.Reframe.MaxMovement,
		},
		ReencodeEnabled: cfg.Reframe.Reencode,
		ReencodeTimeout: cfg.Reframe.ReencodeTimeout,
		OutputDir:       cfg.OutputDir,
		Logger:          logging.WithComponent("pipeline"),
	}
	if DB != nil {
		p.OnAnalysis = DB.SaveAnalysis
	}
	return p
}

// jobOptions builds the manager options. A nil DB must stay a nil interface.
func jobOptions(cfg *config.Config) jobs.Options {
	opts := jobs.Options{
		Retention: cfg.Jobs.Retention,
		Logger:    logging.WithComponent("jobs"),
	}
	if DB != nil {
		opts.Recorder = DB
	}
	return opts
}

func runReframe(ctx context.Context, cfg *config.Config, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	if err := validateReframeOptions(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	aopts, err := analysisOptions(cfg, opts)
	if err != nil {
		utils.ShowError("Invalid aspect ratio", err, nil)
		return err
	}

	analyzer, closeProviders, err := newAnalyzer(ctx, cfg, opts.Strategy)
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

	pipeline := newPipeline(cfg, analyzer, store, aopts)
	manager := jobs.NewManager(pipeline, jobOptions(cfg))
	defer manager.Close()

	reencode := !opts.NoReencode && cfg.Reframe.Reencode
	req := jobs.Request{
		VideoPath:       opts.InputPath,
		VideoID:         opts.VideoID,
		OutputPath:      opts.OutputPath,
		Aspect:          aopts.Aspect,
		SmoothingFactor: &opts.SmoothingFactor,
		MaxMovement:     &opts.MaxMovement,
		Reencode:        &reencode,
	}

	// Subscribe before submitting so the first transitions are not missed.
	events, unsubscribe := manager.Subscribe("")
	defer unsubscribe()

	id, err := manager.Submit(req)
	if err != nil {
		utils.ShowError("Failed to start reframe job", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🎬 Reframing to %s (job %s)\n", aopts.Aspect, shortID(id))

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("✂️  Reframing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	final, err := waitForJob(ctx, manager, id, events, func(ev jobs.Event) {
		bar.Describe(fmt.Sprintf("✂️  %-10s", ev.Stage))
		bar.Set(ev.Progress)
	})
	if err != nil {
		return err
	}
	if final.Status != jobs.StatusCompleted {
		err := fmt.Errorf("%s", final.Error)
		utils.ShowError("Reframe failed", err, nil)
		return err
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n✅ Reframed video written to %s (%.1f MB)\n", final.OutputPath, float64(final.FileSize)/(1024*1024))
	return nil
}

// waitForJob relays the job's events until it reaches a terminal state. The
// ticker covers events dropped for a slow reader.
func waitForJob(ctx context.Context, m *jobs.Manager, id string, events <-chan jobs.Event, onEvent func(jobs.Event)) (jobs.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return jobs.Job{}, ctx.Err()
		case <-ticker.C:
			j, err := m.Status(id)
			if err != nil {
				return jobs.Job{}, err
			}
			if j.Terminal() {
				return j, nil
			}
		case ev, ok := <-events:
			if ok && ev.JobID != id {
				continue
			}
			if ok {
				onEvent(ev)
			}
			j, err := m.Status(id)
			if err != nil {
				return jobs.Job{}, err
			}
			if j.Terminal() {
				return j, nil
			}
			if !ok {
				return j, fmt.Errorf("job manager stopped before job %s finished", id)
			}
		}
	}
}
