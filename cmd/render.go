package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/logging"
	"github.com/andresmejia3/reframer/internal/render"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// renderOptions holds the flags of the render command.
type renderOptions struct {
	InputPath   string
	VideoID     string
	Mode        string
	OutputPath  string
	AspectRatio string
	ROIIndex    int
	Colormap    string
	Opacity     float64
	HideROI     bool
	HideInfo    bool
}

var renderOpts renderOptions

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render heatmap, comparison and ROI preview videos from an analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRender(cmd.Context(), Cfg, renderOpts)
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderOpts.InputPath, "input", "i", "", "Path to the analyzed video")
	renderCmd.Flags().StringVar(&renderOpts.VideoID, "video-id", "", "Analysis to render (default: content hash of the file)")
	renderCmd.Flags().StringVarP(&renderOpts.Mode, "mode", "m", "all", "What to render: all, heatmap, comparison, roi")
	renderCmd.Flags().StringVarP(&renderOpts.OutputPath, "output", "o", "", "Output file, or directory for --mode all (default: the analysis directory)")
	renderCmd.Flags().StringVarP(&renderOpts.AspectRatio, "aspect", "a", "9:16", "Aspect ratio of the ROI preview (--mode roi)")
	renderCmd.Flags().IntVar(&renderOpts.ROIIndex, "roi-index", 0, "Which suggestion to preview (--mode roi)")
	renderCmd.Flags().StringVar(&renderOpts.Colormap, "colormap", "jet", fmt.Sprintf("Heatmap colormap: %v", render.Colormaps))
	renderCmd.Flags().Float64Var(&renderOpts.Opacity, "opacity", 0.5, "Heatmap opacity")
	renderCmd.Flags().BoolVar(&renderOpts.HideROI, "hide-roi", false, "Do not draw ROI rectangles")
	renderCmd.Flags().BoolVar(&renderOpts.HideInfo, "hide-info", false, "Do not draw the frame info overlay")

	renderCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(renderCmd)
}

func validateRenderOptions(opts *renderOptions) (render.Options, error) {
	if _, err := os.Stat(opts.InputPath); err != nil {
		return render.Options{}, fmt.Errorf("unable to access input file: %w", err)
	}
	switch opts.Mode {
	case "all", "heatmap", "comparison", "roi":
	default:
		return render.Options{}, fmt.Errorf("unknown render mode %q (want all, heatmap, comparison or roi)", opts.Mode)
	}
	cm, err := render.ParseColormap(opts.Colormap)
	if err != nil {
		return render.Options{}, err
	}
	if opts.Opacity < 0 || opts.Opacity > 1 {
		return render.Options{}, fmt.Errorf("opacity must be between 0.0 and 1.0, got %v", opts.Opacity)
	}
	if opts.ROIIndex < 0 {
		return render.Options{}, fmt.Errorf("roi index must be non-negative, got %d", opts.ROIIndex)
	}
	return render.Options{
		Colormap: cm,
		Opacity:  opts.Opacity,
		ShowROI:  !opts.HideROI,
		ShowInfo: !opts.HideInfo,
	}, nil
}

func runRender(ctx context.Context, cfg *config.Config, opts renderOptions) error {
	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	ropts, err := validateRenderOptions(&opts)
	if err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}

	videoID := opts.VideoID
	if videoID == "" {
		if videoID, err = utils.GenerateVideoID(opts.InputPath); err != nil {
			utils.ShowError("Failed to generate video ID", err, nil)
			return err
		}
	}

	store, err := analysis.NewStore(cfg.StorageDir)
	if err != nil {
		utils.ShowError("Failed to open analysis storage", err, nil)
		return err
	}
	defer store.Close()

	doc, err := store.LoadDocument(videoID)
	if err != nil {
		utils.ShowError("No analysis found, run `reframer analyze` first", err, nil)
		return err
	}

	renderer := render.NewRenderer(video.Open, video.CreateFFmpeg, store, logging.WithComponent("render"))
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("🎨 Rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	renderer.Progress = func(done, total int) {
		if total > 0 {
			bar.ChangeMax(total)
		}
		bar.Set(done)
	}

	out := opts.OutputPath
	switch opts.Mode {
	case "all":
		if out == "" {
			out = store.Dir(videoID)
		}
		if err := os.MkdirAll(out, 0755); err != nil {
			utils.ShowError("Failed to create output directory", err, nil)
			return err
		}
		results, err := renderer.RenderAll(ctx, opts.InputPath, doc, out, ropts)
		if err != nil {
			utils.ShowError("Rendering failed", err, nil)
			return err
		}
		bar.Finish()
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(os.Stderr, "\n🎨 Rendered %d videos:\n", len(results))
		for _, name := range names {
			fmt.Fprintf(os.Stderr, "   %-12s %s\n", name, results[name])
		}
		return nil

	case "heatmap":
		out = defaultRenderPath(out, store.Dir(videoID), "heatmap_video.mp4")
		err = renderer.Heatmap(ctx, opts.InputPath, doc, out, ropts)

	case "comparison":
		out = defaultRenderPath(out, store.Dir(videoID), "comparison_video.mp4")
		err = renderer.Comparison(ctx, opts.InputPath, doc, out, ropts)

	case "roi":
		aspect, perr := roi.ParseAspect(opts.AspectRatio)
		if perr != nil {
			utils.ShowError("Invalid aspect ratio", perr, nil)
			return perr
		}
		out = defaultRenderPath(out, store.Dir(videoID), fmt.Sprintf("roi_preview_%s.mp4", aspect.Slug()))
		err = renderer.ROIPreview(ctx, opts.InputPath, doc, out, aspect, opts.ROIIndex)
	}
	if err != nil {
		utils.ShowError("Rendering failed", err, nil)
		return err
	}
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🎨 Rendered %s\n", out)
	return nil
}

func defaultRenderPath(out, dir, name string) string {
	if out != "" {
		return out
	}
	return filepath.Join(dir, name)
}
