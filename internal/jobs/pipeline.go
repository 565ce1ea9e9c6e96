package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/reframe"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/rs/zerolog"
)

// Progress checkpoints.
const (
	progressSetup         = 10
	progressAnalysisStart = 20
	progressAnalysisEnd   = 70
	progressEncodeEnd     = 90
)

// Pipeline runs decode, analysis, smoothing, encode and the optional re-encode
// for one job.
type Pipeline struct {
	Analyzer *analysis.Analyzer
	Store    *analysis.Store // nil skips persisting the analysis
	Open     video.OpenFunc
	Create   video.CreateFunc
	Reencode func(ctx context.Context, path string, timeout time.Duration) error

	Analysis        analysis.Options // sample rate, count, batch size, frame limit
	Params          reframe.Params
	ReencodeEnabled bool
	ReencodeTimeout time.Duration
	OutputDir       string

	// OnAnalysis is called with every finished analysis and its source path, e.g. to
	// index it in a database.
	OnAnalysis func(ctx context.Context, path string, doc *analysis.Document) error

	Logger zerolog.Logger
}

// Run implements Runner.
func (p *Pipeline) Run(ctx context.Context, job Job, progress ProgressFunc) (Output, error) {
	req := job.Request
	logger := p.Logger.With().Str("component", "pipeline").Str("job_id", job.ID).Logger()
	progress(0, "init")

	videoID := req.VideoID
	if videoID == "" {
		id, err := utils.GenerateVideoID(req.VideoPath)
		if err != nil {
			return Output{}, fmt.Errorf("identify video: %w", err)
		}
		videoID = id
	}
	out := req.OutputPath
	if out == "" {
		out = filepath.Join(p.OutputDir, fmt.Sprintf("%s_reframed_%s.mp4", videoID, req.Aspect.Slug()))
	}
	params := p.Params
	if req.SmoothingFactor != nil {
		params.SmoothingFactor = *req.SmoothingFactor
	}
	if req.MaxMovement != nil {
		params.MaxMovement = *req.MaxMovement
	}
	reencode := p.ReencodeEnabled
	if req.Reencode != nil {
		reencode = *req.Reencode
	}
	progress(progressSetup, "setup")

	// Pass 1: analysis.
	src, err := p.Open(ctx, req.VideoPath)
	if err != nil {
		return Output{}, fmt.Errorf("open video: %w", err)
	}
	info := src.Info()
	if info.Width <= 0 || info.Height <= 0 {
		src.Close()
		return Output{}, fmt.Errorf("video has invalid dimensions %dx%d", info.Width, info.Height)
	}

	opts := p.Analysis
	opts.Aspect = req.Aspect
	opts.Progress = func(done, total int) {
		if total > 0 {
			progress(progressAnalysisStart+(progressAnalysisEnd-progressAnalysisStart)*done/total, "analysis")
		}
	}
	if p.Store != nil {
		opts.Maps = func(frame int, m *saliency.Map) error {
			return p.Store.SaveMap(videoID, frame, m)
		}
	}
	progress(progressAnalysisStart, "analysis")
	doc, err := p.Analyzer.Run(ctx, videoID, src, opts)
	closeErr := src.Close()
	if err != nil {
		return Output{}, fmt.Errorf("analysis: %w", err)
	}
	if closeErr != nil {
		return Output{}, fmt.Errorf("decode video: %w", closeErr)
	}
	if p.Store != nil {
		if err := p.Store.SaveDocument(doc); err != nil {
			return Output{}, fmt.Errorf("save analysis: %w", err)
		}
	}
	if p.OnAnalysis != nil {
		if err := p.OnAnalysis(ctx, req.VideoPath, doc); err != nil {
			logger.Warn().Err(err).Msg("Analysis hook failed")
		}
	}
	progress(progressAnalysisEnd, "smoothing")

	// Pass 2: crop and encode.
	samples := doc.Samples()
	total := info.TotalFrames
	crops := reframe.Reframe(samples, total, info.Width, info.Height, req.Aspect, params)
	outW, outH := reframe.OutputSize(info.Width, info.Height, req.Aspect)
	logger.Info().
		Int("samples", len(samples)).
		Int("frames", total).
		Int("width", outW).
		Int("height", outH).
		Msg("Rendering reframed video")

	written, err := p.encode(ctx, req.VideoPath, out, crops, outW, outH, req, progress)
	if err != nil {
		os.Remove(out)
		return Output{}, err
	}
	if written < len(crops) {
		crops = crops[:written]
	}
	m := reframe.AnalyzeMovement(crops)
	logger.Info().
		Float64("avg_movement", m.Average).
		Float64("max_movement", m.Max).
		Float64("min_movement", m.Min).
		Int("frames_over_10px", m.LargeJumps).
		Msg("Crop movement")
	progress(progressEncodeEnd, "encode")

	if reencode && p.Reencode != nil {
		progress(progressEncodeEnd, "reencode")
		if err := p.Reencode(ctx, out, p.ReencodeTimeout); err != nil {
			return Output{}, err
		}
	}

	size := int64(0)
	if st, err := os.Stat(out); err == nil {
		size = st.Size()
	}
	return Output{Path: out, Size: size}, nil
}

// encode streams the source again, cropping every frame. Frames beyond the
// probed count reuse the last crop.
func (p *Pipeline) encode(ctx context.Context, in, out string, crops []reframe.Crop, w, h int, req Request, progress ProgressFunc) (int, error) {
	src, err := p.Open(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("reopen video: %w", err)
	}
	info := src.Info()

	sink, err := p.Create(ctx, out, w, h, info.FPS)
	if err != nil {
		src.Close()
		return 0, fmt.Errorf("start encoder: %w", err)
	}

	fallback := reframe.CenterCrop(info.Width, info.Height, req.Aspect)
	frame := 0
	loopErr := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("decode frame %d: %w", frame, err)
			}
			c := fallback
			switch {
			case frame < len(crops):
				c = crops[frame]
			case len(crops) > 0:
				c = crops[len(crops)-1]
			}
			img := reframe.CropFrame(f.Image, c, w, h)
			video.Release(f)
			if err := sink.Write(img); err != nil {
				return fmt.Errorf("encode frame %d: %w", frame, err)
			}
			frame++
			if len(crops) > 0 && frame%50 == 0 {
				progress(progressAnalysisEnd+(progressEncodeEnd-progressAnalysisEnd)*min(frame, len(crops))/len(crops), "encode")
			}
		}
	}()
	if err := src.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("decode video: %w", err)
	}
	if loopErr != nil {
		sink.Close()
		return frame, loopErr
	}
	if err := sink.Close(); err != nil {
		return frame, fmt.Errorf("finalize output: %w", err)
	}
	return frame, nil
}
