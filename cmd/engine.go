package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/config"
	"github.com/andresmejia3/reframer/internal/detect"
	"github.com/andresmejia3/reframer/internal/logging"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/saliency/cvsignals"
)

// --- Engine assembly shared by analyze, reframe and serve ---

// newEngine builds the fusion engine with the configured strategy and backend.
func newEngine(cfg *config.Config, strategy string) (*saliency.Engine, error) {
	if strategy == "" {
		strategy = cfg.Saliency.Strategy
	}
	s, err := saliency.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}

	var backend saliency.Backend
	switch cfg.Saliency.Backend {
	case "", "native":
		backend = saliency.NewNative()
	case "opencv":
		backend = cvsignals.New()
	default:
		return nil, fmt.Errorf("unknown saliency backend %q (want native or opencv)", cfg.Saliency.Backend)
	}

	ec := saliency.DefaultConfig()
	ec.Strategy = s
	if cfg.Saliency.DarkThreshold > 0 {
		ec.DarkThreshold = cfg.Saliency.DarkThreshold
	}
	return saliency.NewEngine(ec, backend, logging.WithComponent("saliency")), nil
}

func providerConfig(p config.ProviderConfig) detect.Config {
	return detect.Config{
		Backend:    p.Backend,
		ModelPath:  p.ModelPath,
		Confidence: p.Confidence,
		Command:    p.Command,
		Timeout:    p.Timeout,
	}
}

// newAnalyzer wires the engine and the configured providers. The returned
// closer shuts the providers down.
func newAnalyzer(ctx context.Context, cfg *config.Config, strategy string) (*analysis.Analyzer, func(), error) {
	engine, err := newEngine(cfg, strategy)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.WithComponent("detect")
	faces, err := detect.NewFaceProvider(ctx, providerConfig(cfg.Detect.Face), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("face provider: %w", err)
	}
	objects, err := detect.NewObjectProvider(ctx, providerConfig(cfg.Detect.Objects), logger)
	if err != nil {
		if faces != nil {
			faces.Close()
		}
		return nil, nil, fmt.Errorf("object provider: %w", err)
	}

	closer := func() {
		if faces != nil {
			faces.Close()
		}
		if objects != nil {
			objects.Close()
		}
	}
	return analysis.New(engine, faces, objects, logging.WithComponent("analysis")), closer, nil
}

// analysisOptions merges command flags over the config file.
func analysisOptions(cfg *config.Config, opts Options) (analysis.Options, error) {
	aspectStr := opts.AspectRatio
	if aspectStr == "" {
		aspectStr = cfg.Analysis.AspectRatio
	}
	aspect, err := roi.ParseAspect(aspectStr)
	if err != nil {
		return analysis.Options{}, err
	}
	out := analysis.Options{
		SampleRate: cfg.Analysis.SampleRate,
		Aspect:     aspect,
		Count:      cfg.Analysis.ROICount,
		MaxFrames:  cfg.Analysis.MaxFrames,
		BatchSize:  cfg.Analysis.Workers,
	}
	if opts.SampleRate > 0 {
		out.SampleRate = opts.SampleRate
	}
	if opts.ROICount > 0 {
		out.Count = opts.ROICount
	}
	if opts.MaxFrames > 0 {
		out.MaxFrames = opts.MaxFrames
	}
	if opts.Workers > 0 {
		out.BatchSize = opts.Workers
	}
	return out, nil
}

// validateOptions ensures all CLI arguments are valid before starting heavy processes.
func validateOptions(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a video file")
	}
	if opts.SampleRate < 0 {
		return fmt.Errorf("invalid sample rate: must be >= 1, got %d", opts.SampleRate)
	}
	if opts.ROICount < 0 || opts.ROICount > 10 {
		return fmt.Errorf("invalid ROI count: must be between 1 and 10, got %d", opts.ROICount)
	}
	if opts.MaxFrames < 0 {
		return fmt.Errorf("invalid max frames: got %d", opts.MaxFrames)
	}
	if opts.Workers < 0 {
		opts.Workers = 0
	}
	if opts.AspectRatio != "" {
		if _, err := roi.ParseAspect(opts.AspectRatio); err != nil {
			return err
		}
	}
	if opts.Start < 0 || opts.End < 0 {
		return fmt.Errorf("start and end must be non-negative")
	}
	if opts.End > 0 && opts.End <= opts.Start {
		return fmt.Errorf("end (%.2fs) must be after start (%.2fs)", opts.End, opts.Start)
	}
	return nil
}

// validateReframeOptions adds the smoothing and output checks of the reframe command.
func validateReframeOptions(opts *Options) error {
	if err := validateOptions(opts); err != nil {
		return err
	}
	if opts.SmoothingFactor < 0 || opts.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing factor must be between 0.0 and 1.0, got %v", opts.SmoothingFactor)
	}
	if opts.MaxMovement < 0 {
		return fmt.Errorf("max movement must be non-negative, got %v", opts.MaxMovement)
	}
	if opts.OutputPath != "" {
		// Prevent overwriting input file which causes corruption
		inAbs, _ := filepath.Abs(opts.InputPath)
		outAbs, _ := filepath.Abs(opts.OutputPath)
		if inAbs == outAbs {
			return fmt.Errorf("input and output paths must be different to prevent file corruption")
		}
	}
	return nil
}
