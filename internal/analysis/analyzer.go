package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/reframer/internal/detect"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/rs/zerolog"
)

// MapWriter receives the saliency map of every successfully analyzed frame.
type MapWriter func(frame int, m *saliency.Map) error

// Options controls one analysis run.
type Options struct {
	SampleRate int // analyze frames whose number is a multiple of this
	Aspect     roi.Aspect
	Count      int // suggestions per frame
	MaxFrames  int // stop after this many sampled frames, 0 means all
	BatchSize  int // frames analyzed concurrently
	Maps       MapWriter
	Progress   func(done, total int)
}

func (o *Options) normalize() {
	if o.SampleRate < 1 {
		o.SampleRate = 1
	}
	if o.Count < 1 {
		o.Count = 3
	}
	if o.BatchSize < 1 {
		o.BatchSize = 2
	}
	if o.Aspect.W == 0 || o.Aspect.H == 0 {
		o.Aspect = roi.Portrait
	}
}

// Analyzer runs the fusion engine and ROI selector over sampled frames.
type Analyzer struct {
	engine   *saliency.Engine
	selector *roi.Selector
	faces    detect.FaceProvider
	objects  detect.ObjectProvider
	logger   zerolog.Logger
}

// New builds an analyzer. Providers may be nil.
func New(engine *saliency.Engine, faces detect.FaceProvider, objects detect.ObjectProvider, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		engine:   engine,
		selector: roi.NewSelector(roi.TuningFor(engine.Strategy())),
		faces:    faces,
		objects:  objects,
		logger:   logger.With().Str("component", "analysis").Logger(),
	}
}

// ModelVersion identifies the engine in frame records.
func (a *Analyzer) ModelVersion() string { return a.engine.ModelVersion() }

// AnalyzeFrame produces the record and map of one frame. Only an unusable frame
// turns into an error record with no map.
func (a *Analyzer) AnalyzeFrame(ctx context.Context, f types.Frame, aspect roi.Aspect, count int) (FrameRecord, *saliency.Map) {
	start := time.Now()
	rec := FrameRecord{
		FrameNumber:    f.Number,
		Timestamp:      f.Timestamp,
		ROISuggestions: []types.ROI{},
		ModelVersion:   a.engine.ModelVersion(),
	}

	fail := func(err error) (FrameRecord, *saliency.Map) {
		rec.Error = err.Error()
		rec.ProcessingTime = time.Since(start).Seconds()
		a.logger.Error().Err(err).Int("frame", f.Number).Msg("Frame analysis failed")
		return rec, nil
	}

	if f.Image == nil || f.Image.Rect.Empty() {
		return fail(errors.New("empty frame"))
	}

	// A provider failure only removes its signal; the frame is still fused.
	var faces []types.Box
	if a.faces != nil {
		boxes, err := a.faces.DetectFaces(ctx, f.Image)
		if err != nil {
			a.logger.Warn().Err(err).Int("frame", f.Number).Msg("Face detection failed, continuing without faces")
		} else {
			faces = boxes
		}
	}
	var objects []types.ObjectMask
	if a.objects != nil && a.engine.Strategy() == saliency.StrategySegmentation {
		masks, err := a.objects.Segment(ctx, f.Image)
		if err != nil {
			a.logger.Warn().Err(err).Int("frame", f.Number).Msg("Object segmentation failed, continuing without objects")
		} else {
			objects = masks
		}
	}

	m, report := a.engine.Compute(f.Image, faces, objects)
	stats := m.Stats()
	rec.SaliencyStats = &stats
	rec.ROISuggestions = a.selector.Suggest(m, aspect, count)
	rec.ProcessingTime = time.Since(start).Seconds()

	a.logger.Debug().
		Int("frame", f.Number).
		Bool("dark", report.Dark).
		Interface("weights", report.Weights).
		Strs("failed_signals", report.Failed).
		Int("rois", len(rec.ROISuggestions)).
		Msg("Frame analyzed")
	return rec, m
}

type frameResult struct {
	rec FrameRecord
	m   *saliency.Map
}

// Run reads src sequentially and analyzes every sampled frame in batches. If a
// batch fails, that batch and every later frame are analyzed one at a time.
func (a *Analyzer) Run(ctx context.Context, videoID string, src video.Source, opts Options) (*Document, error) {
	opts.normalize()
	info := src.Info()
	start := time.Now()

	doc := &Document{
		VideoID: videoID,
		Metadata: Metadata{
			VideoInfo: info,
			AnalysisParams: Params{
				SampleRate:  opts.SampleRate,
				AspectRatio: opts.Aspect,
				ROICount:    opts.Count,
				MaxFrames:   opts.MaxFrames,
				Strategy:    string(a.engine.Strategy()),
			},
		},
		Frames: []FrameRecord{},
	}

	expected := 0
	if info.TotalFrames > 0 {
		expected = (info.TotalFrames + opts.SampleRate - 1) / opts.SampleRate
	}
	if opts.MaxFrames > 0 && (expected == 0 || expected > opts.MaxFrames) {
		expected = opts.MaxFrames
	}

	a.logger.Info().
		Str("video_id", videoID).
		Int("total_frames", info.TotalFrames).
		Int("sample_rate", opts.SampleRate).
		Int("expected", expected).
		Msg("Starting frame analysis")

	sequential := false
	batch := make([]types.Frame, 0, opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() {
			for _, f := range batch {
				video.Release(f)
			}
			batch = batch[:0]
		}()

		var results []frameResult
		if !sequential {
			var err error
			results, err = a.analyzeBatch(ctx, batch, opts)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Batch analysis failed, switching to sequential processing")
				sequential = true
				doc.Metadata.ProcessingStats.SequentialFallback = true
			}
		}
		if sequential {
			var err error
			results, err = a.analyzeSequential(ctx, batch, opts)
			if err != nil {
				return err
			}
		}

		for _, r := range results {
			if r.rec.Error != "" {
				doc.Metadata.ProcessingStats.FailedFrames++
			} else if opts.Maps != nil && r.m != nil {
				if err := opts.Maps(r.rec.FrameNumber, r.m); err != nil {
					return fmt.Errorf("save map for frame %d: %w", r.rec.FrameNumber, err)
				}
			}
			doc.Frames = append(doc.Frames, r.rec)
		}
		if opts.Progress != nil {
			opts.Progress(len(doc.Frames), expected)
		}
		return nil
	}

	sampled := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.MaxFrames > 0 && sampled >= opts.MaxFrames {
			break
		}
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if f.Number%opts.SampleRate != 0 {
			video.Release(f)
			continue
		}
		sampled++
		batch = append(batch, f)
		if len(batch) == opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Seconds()
	stats := &doc.Metadata.ProcessingStats
	stats.TotalFramesAnalyzed = len(doc.Frames)
	stats.ProcessingTime = elapsed
	if elapsed > 0 {
		stats.FPSProcessed = float64(len(doc.Frames)) / elapsed
	}

	a.logger.Info().
		Str("video_id", videoID).
		Int("frames", stats.TotalFramesAnalyzed).
		Int("failed", stats.FailedFrames).
		Float64("fps", stats.FPSProcessed).
		Msg("Frame analysis complete")
	return doc, nil
}

// analyzeBatch runs one goroutine per frame. Any panic fails the whole batch.
func (a *Analyzer) analyzeBatch(ctx context.Context, frames []types.Frame, opts Options) ([]frameResult, error) {
	results := make([]frameResult, len(frames))
	errs := make([]error, len(frames))

	var wg sync.WaitGroup
	for i, f := range frames {
		wg.Add(1)
		go func(i int, f types.Frame) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("frame %d panicked: %v", f.Number, r)
				}
			}()
			rec, m := a.AnalyzeFrame(ctx, f, opts.Aspect, opts.Count)
			results[i] = frameResult{rec, m}
		}(i, f)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzeSequential is the fallback path. A panic here aborts the run.
func (a *Analyzer) analyzeSequential(ctx context.Context, frames []types.Frame, opts Options) (results []frameResult, err error) {
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("frame %d panicked in sequential analysis: %v", f.Number, r)
				}
			}()
			rec, m := a.AnalyzeFrame(ctx, f, opts.Aspect, opts.Count)
			results = append(results, frameResult{rec, m})
		}()
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
