// Package render produces debug videos from a saliency analysis: heatmap
// overlays, side-by-side comparisons and per-aspect ROI previews.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/reframe"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/rs/zerolog"
)

// Options tunes the heatmap overlay.
type Options struct {
	Colormap Colormap
	Opacity  float64
	ShowROI  bool
	ShowInfo bool
}

func DefaultOptions() Options {
	return Options{Colormap: Jet, Opacity: 0.5, ShowROI: true, ShowInfo: true}
}

// PreviewAspects are rendered by RenderAll.
var PreviewAspects = []roi.Aspect{roi.Landscape, roi.Portrait, roi.Classic, roi.Square}

// MapLoader reads persisted saliency maps.
type MapLoader interface {
	LoadMap(videoID string, frame int) (*saliency.Map, error)
}

// Renderer draws analysis results over the source video.
type Renderer struct {
	Open     video.OpenFunc
	Create   video.CreateFunc
	Maps     MapLoader
	Progress func(done, total int)
	logger   zerolog.Logger
}

func NewRenderer(open video.OpenFunc, create video.CreateFunc, maps MapLoader, logger zerolog.Logger) *Renderer {
	return &Renderer{
		Open:   open,
		Create: create,
		Maps:   maps,
		logger: logger.With().Str("component", "render").Logger(),
	}
}

// frameFunc turns a source frame into an output frame.
type frameFunc func(f types.Frame) *image.RGBA

// lookup resolves the nearest previous analysis data for a frame and caches the
// last loaded map, since frames arrive in order.
type lookup struct {
	doc      *analysis.Document
	maps     MapLoader
	logger   zerolog.Logger
	cachedAt int
	cached   *saliency.Map
	warned   bool
}

func (r *Renderer) newLookup(doc *analysis.Document) *lookup {
	return &lookup{doc: doc, maps: r.Maps, logger: r.logger, cachedAt: -1}
}

func (l *lookup) record(frame int) (*analysis.FrameRecord, bool) {
	rec, ok := l.doc.Nearest(frame)
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (l *lookup) saliency(rec *analysis.FrameRecord) *saliency.Map {
	if rec == nil || l.maps == nil {
		return nil
	}
	if rec.FrameNumber == l.cachedAt {
		return l.cached
	}
	m, err := l.maps.LoadMap(l.doc.VideoID, rec.FrameNumber)
	if err != nil {
		if !l.warned {
			l.logger.Warn().Err(err).Int("frame", rec.FrameNumber).Msg("Saliency map unavailable, drawing without overlay")
			l.warned = true
		}
		m = nil
	}
	l.cachedAt, l.cached = rec.FrameNumber, m
	return m
}

func (r *Renderer) run(ctx context.Context, videoPath, out string, size func(video.Info) (int, int), fn func(video.Info) frameFunc) error {
	src, err := r.Open(ctx, videoPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", videoPath, err)
	}
	defer src.Close()

	info := src.Info()
	w, h := size(info)
	sink, err := r.Create(ctx, out, w, h, info.FPS)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	render := fn(info)

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			sink.Close()
			return err
		}
		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sink.Close()
			return fmt.Errorf("read frame: %w", err)
		}
		img := render(f)
		video.Release(f)
		if err := sink.Write(img); err != nil {
			sink.Close()
			return fmt.Errorf("write frame %d: %w", done, err)
		}
		done++
		if r.Progress != nil {
			r.Progress(done, info.TotalFrames)
		}
	}
	if err := src.Close(); err != nil {
		sink.Close()
		return fmt.Errorf("decode %s: %w", videoPath, err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", out, err)
	}
	r.logger.Info().Str("output", out).Int("frames", done).Msg("Rendered video")
	return nil
}

func sameSize(info video.Info) (int, int) { return info.Width, info.Height }

// Heatmap renders the overlay video.
func (r *Renderer) Heatmap(ctx context.Context, videoPath string, doc *analysis.Document, out string, opts Options) error {
	l := r.newLookup(doc)
	lut := opts.Colormap.Table()
	return r.run(ctx, videoPath, out, sameSize, func(video.Info) frameFunc {
		return func(f types.Frame) *image.RGBA {
			return heatmapFrame(f, l, &lut, opts)
		}
	})
}

func heatmapFrame(f types.Frame, l *lookup, lut *LUT, opts Options) *image.RGBA {
	rec, ok := l.record(f.Number)
	var m *saliency.Map
	if ok {
		m = l.saliency(rec)
	}
	img := Overlay(f.Image, m, lut, opts.Opacity)
	if ok && opts.ShowROI {
		DrawROIs(img, rec.ROISuggestions)
	}
	if opts.ShowInfo {
		DrawInfo(img, f.Number, f.Timestamp, rec)
	}
	return img
}

// Comparison renders original | heatmap | best ROI crop side by side. Frames
// without a suggestion show the centered crop for the analyzed aspect.
func (r *Renderer) Comparison(ctx context.Context, videoPath string, doc *analysis.Document, out string, opts Options) error {
	l := r.newLookup(doc)
	aspect := doc.Metadata.AnalysisParams.AspectRatio
	if aspect.Validate() != nil {
		aspect = roi.Portrait
	}
	lut := opts.Colormap.Table()
	panelOpts := Options{Colormap: opts.Colormap, Opacity: 0.5, ShowROI: true}

	return r.run(ctx, videoPath, out,
		func(info video.Info) (int, int) { return info.Width * 3, info.Height },
		func(info video.Info) frameFunc {
			w, h := info.Width, info.Height
			center := reframe.CenterCrop(w, h, aspect)
			return func(f types.Frame) *image.RGBA {
				canvas := image.NewRGBA(image.Rect(0, 0, w*3, h))
				fr := f.Image.Rect
				blit(canvas, f.Image, image.Pt(0, 0), fr)

				heat := heatmapFrame(f, l, &lut, panelOpts)
				blit(canvas, heat, image.Pt(w, 0), heat.Rect)

				crop := center
				if rec, ok := l.record(f.Number); ok {
					if best, ok := rec.Best(); ok {
						crop = reframe.Crop{X: best.X, Y: best.Y, W: best.Width, H: best.Height}
					}
				}
				panel := reframe.CropFrame(f.Image, crop, w, h)
				blit(canvas, panel, image.Pt(2*w, 0), panel.Rect)
				return canvas
			}
		})
}

// ROIPreview renders the roiIndex-th suggestion cropped to aspect. Suggestions
// computed for a different aspect are re-shaped around their center.
func (r *Renderer) ROIPreview(ctx context.Context, videoPath string, doc *analysis.Document, out string, aspect roi.Aspect, roiIndex int) error {
	l := r.newLookup(doc)
	docAspect := doc.Metadata.AnalysisParams.AspectRatio

	return r.run(ctx, videoPath, out,
		func(info video.Info) (int, int) { return roi.Size(info.Width, info.Height, aspect) },
		func(info video.Info) frameFunc {
			fw, fh := info.Width, info.Height
			rw, rh := roi.Size(fw, fh, aspect)
			center := reframe.Clamp(reframe.Crop{X: (fw - rw) / 2, Y: (fh - rh) / 2, W: rw, H: rh}, fw, fh)
			return func(f types.Frame) *image.RGBA {
				crop := center
				if rec, ok := l.record(f.Number); ok && roiIndex < len(rec.ROISuggestions) {
					s := rec.ROISuggestions[roiIndex]
					if docAspect == aspect {
						crop = reframe.Crop{X: s.X, Y: s.Y, W: s.Width, H: s.Height}
					} else {
						cx, cy := s.Center()
						crop = reframe.Clamp(reframe.Crop{X: cx - rw/2, Y: cy - rh/2, W: rw, H: rh}, fw, fh)
					}
				}
				return reframe.CropFrame(f.Image, crop, rw, rh)
			}
		})
}

// RenderAll writes the heatmap, the comparison and one preview per standard
// aspect into dir and returns the produced paths by name.
func (r *Renderer) RenderAll(ctx context.Context, videoPath string, doc *analysis.Document, dir string, opts Options) (map[string]string, error) {
	results := map[string]string{}

	heat := filepath.Join(dir, "heatmap_video.mp4")
	if err := r.Heatmap(ctx, videoPath, doc, heat, opts); err != nil {
		return results, fmt.Errorf("heatmap: %w", err)
	}
	results["heatmap"] = heat

	cmp := filepath.Join(dir, "comparison_video.mp4")
	if err := r.Comparison(ctx, videoPath, doc, cmp, opts); err != nil {
		return results, fmt.Errorf("comparison: %w", err)
	}
	results["comparison"] = cmp

	for _, a := range PreviewAspects {
		p := filepath.Join(dir, fmt.Sprintf("roi_preview_%s.mp4", a.Slug()))
		if err := r.ROIPreview(ctx, videoPath, doc, p, a, 0); err != nil {
			return results, fmt.Errorf("roi preview %s: %w", a, err)
		}
		results["roi_"+a.Slug()] = p
	}

	r.logger.Info().Str("video_id", doc.VideoID).Int("videos", len(results)).Msg("All visualizations generated")
	return results, nil
}

func blit(dst, src *image.RGBA, at image.Point, sr image.Rectangle) {
	for y := 0; y < sr.Dy(); y++ {
		s := src.Pix[(sr.Min.Y-src.Rect.Min.Y+y)*src.Stride+(sr.Min.X-src.Rect.Min.X)*4:]
		d := dst.Pix[(at.Y+y)*dst.Stride+at.X*4:]
		copy(d[:sr.Dx()*4], s[:sr.Dx()*4])
	}
}
