package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var analyzeOpts Options

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Compute saliency maps and ROI suggestions for a video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), Cfg, analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	analyzeCmd.Flags().StringVar(&analyzeOpts.VideoID, "video-id", "", "Identifier for the analysis (default: content hash of the file)")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.AspectRatio, "aspect", "a", "", "Target aspect ratio for ROI suggestions, e.g. 9:16")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Strategy, "strategy", "s", "", "Saliency strategy: robust, hybrid, segmentation")
	analyzeCmd.Flags().IntVarP(&analyzeOpts.SampleRate, "sample-rate", "n", 0, "Analyze every Nth frame (default from config)")
	analyzeCmd.Flags().IntVarP(&analyzeOpts.ROICount, "rois", "r", 0, "Number of ROI suggestions per frame (default from config)")
	analyzeCmd.Flags().IntVar(&analyzeOpts.MaxFrames, "max-frames", 0, "Stop after this many sampled frames (0 = all)")
	analyzeCmd.Flags().IntVarP(&analyzeOpts.Workers, "workers", "w", 0, "Frames analyzed concurrently (default from config)")
	analyzeCmd.Flags().Float64Var(&analyzeOpts.Start, "start", 0, "Start of the analyzed scene in seconds")
	analyzeCmd.Flags().Float64Var(&analyzeOpts.End, "end", 0, "End of the analyzed scene in seconds (0 = end of video)")

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

// runAnalyze orchestrates one analysis run: probing, decoding, fusion and persistence.
func runAnalyze(ctx context.Context, cfg *config.Config, opts Options) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, workers)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	if err := validateOptions(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	aopts, err := analysisOptions(cfg, opts)
	if err != nil {
		utils.ShowError("Invalid aspect ratio", err, nil)
		return err
	}

	videoID := opts.VideoID
	if videoID == "" {
		if videoID, err = utils.GenerateVideoID(opts.InputPath); err != nil {
			utils.ShowError("Failed to generate video ID", err, nil)
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", shortID(videoID))

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

	r := video.Range{Start: opts.Start}
	if opts.End > 0 {
		r.Duration = opts.End - opts.Start
	}
	src, err := video.OpenFFmpeg(ctx, opts.InputPath, r)
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}
	defer src.Close()

	info := src.Info()
	fmt.Fprintf(os.Stderr, "🎞️  %dx%d @ %.2f fps, %d frames\n", info.Width, info.Height, info.FPS, info.TotalFrames)

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("🔍 Analyzing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	aopts.Progress = func(done, total int) {
		if total > 0 {
			bar.ChangeMax(total)
		}
		bar.Set(done)
	}
	if cfg.Analysis.SaveMaps {
		aopts.Maps = func(frame int, m *saliency.Map) error {
			return store.SaveMap(videoID, frame, m)
		}
	}

	doc, err := analyzer.Run(ctx, videoID, src, aopts)
	if err != nil {
		utils.ShowError("Analysis failed", err, src.Command())
		return err
	}
	if err := src.Close(); err != nil {
		utils.ShowError("Video decoding failed", err, src.Command())
		return err
	}
	bar.Finish()
	doc.Metadata.AnalysisParams.Start = opts.Start
	doc.Metadata.AnalysisParams.End = opts.End

	if err := store.SaveDocument(doc); err != nil {
		utils.ShowError("Failed to save analysis", err, nil)
		return err
	}
	if DB != nil {
		if err := DB.SaveAnalysis(ctx, opts.InputPath, doc); err != nil {
			utils.ShowError("Failed to index analysis in database", err, nil)
			return err
		}
	}

	printAnalysisSummary(doc, store.Dir(videoID))
	return nil
}

func printAnalysisSummary(doc *analysis.Document, dir string) {
	stats := doc.Metadata.ProcessingStats
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ANALYSIS SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🖼️  Frames analyzed:   %d (%d failed)\n", stats.TotalFramesAnalyzed, stats.FailedFrames)
	fmt.Fprintf(os.Stderr, "⏱️  Processing time:   %s (%.2f fps)\n", fmtTime(stats.ProcessingTime), stats.FPSProcessed)
	if stats.SequentialFallback {
		fmt.Fprintf(os.Stderr, "⚠️  Concurrent analysis failed; finished sequentially\n")
	}
	fmt.Fprintf(os.Stderr, "📁 Results:           %s\n", dir)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
