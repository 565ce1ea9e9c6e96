package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/rs/zerolog"
)

type memMaps struct {
	maps  map[int]*saliency.Map
	loads int
}

func (m *memMaps) LoadMap(videoID string, frame int) (*saliency.Map, error) {
	m.loads++
	if s, ok := m.maps[frame]; ok {
		return s, nil
	}
	return nil, errors.New("not found")
}

func grayFrames(n, w, h int) []*image.RGBA {
	out := make([]*image.RGBA, n)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = 100, 100, 100, 255
		}
		out[i] = img
	}
	return out
}

func testDoc() *analysis.Document {
	stats := &types.SaliencyStats{Max: 255, Mean: 12}
	return &analysis.Document{
		VideoID:  "vid",
		Metadata: analysis.Metadata{AnalysisParams: analysis.Params{AspectRatio: roi.Portrait}},
		Frames: []analysis.FrameRecord{
			{FrameNumber: 2, SaliencyStats: stats, ROISuggestions: []types.ROI{{X: 10, Y: 4, Width: 18, Height: 32, Score: 0.9}}},
			{FrameNumber: 6, SaliencyStats: stats, ROISuggestions: []types.ROI{{X: 40, Y: 4, Width: 18, Height: 32, Score: 0.3}}},
		},
	}
}

func hotMap(w, h int) *saliency.Map {
	m := saliency.NewMap(w, h)
	for i := range m.Pix {
		m.Pix[i] = 255
	}
	return m
}

func TestColormaps(t *testing.T) {
	for _, c := range Colormaps {
		lut := c.Table()
		if lut[0] == lut[255] {
			t.Errorf("%s: endpoints should differ", c)
		}
		if lut[128].A != 255 {
			t.Errorf("%s: expected opaque colors", c)
		}
	}
	jet := Jet.Table()
	if jet[0].B < 100 || jet[0].R != 0 || jet[255].R < 100 || jet[255].B != 0 {
		t.Errorf("jet should run blue to red, got %v .. %v", jet[0], jet[255])
	}
	if _, err := ParseColormap("rainbow"); err == nil {
		t.Error("expected error for unknown colormap")
	}
	if c, _ := ParseColormap(""); c != Jet {
		t.Errorf("empty colormap should default to jet, got %s", c)
	}
}

func TestScoreColor(t *testing.T) {
	tests := []struct {
		score float64
		want  color.RGBA
	}{
		{0.9, green}, {0.71, green}, {0.7, yellow}, {0.5, yellow}, {0.4, red}, {0, red},
	}
	for _, tt := range tests {
		if got := ScoreColor(tt.score); got != tt.want {
			t.Errorf("ScoreColor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestOverlay(t *testing.T) {
	frame := grayFrames(1, 8, 4)[0]
	lut := Hot.Table()

	plain := Overlay(frame, nil, &lut, 0.5)
	if plain.Pix[0] != 100 {
		t.Errorf("nil map should copy the frame, got %d", plain.Pix[0])
	}

	full := Overlay(frame, hotMap(4, 2), &lut, 1)
	if c := full.RGBAAt(7, 3); c != lut[255] {
		t.Errorf("opacity 1 should show the palette color, got %v", c)
	}
	half := Overlay(frame, hotMap(8, 4), &lut, 0.5)
	if r := half.RGBAAt(0, 0).R; r < 175 || r > 180 {
		t.Errorf("expected a half blend near 177, got %d", r)
	}
	if frame.Pix[0] != 100 {
		t.Error("Overlay must not modify the source frame")
	}
}

func TestDrawROIs(t *testing.T) {
	img := grayFrames(1, 64, 64)[0]
	DrawROIs(img, []types.ROI{{X: 20, Y: 20, Width: 30, Height: 30, Score: 0.9}})
	if c := img.RGBAAt(20, 35); c != green {
		t.Errorf("expected green border, got %v", c)
	}
	if c := img.RGBAAt(35, 35); c.R != 100 {
		t.Errorf("interior should be untouched, got %v", c)
	}
}

func TestHeatmap(t *testing.T) {
	maps := &memMaps{maps: map[int]*saliency.Map{2: hotMap(64, 36), 6: hotMap(64, 36)}}
	sinks := &video.MemorySinks{}
	r := NewRenderer(video.MemoryOpener(10, grayFrames(9, 64, 36)), sinks.Create, maps, zerolog.Nop())

	opts := DefaultOptions()
	opts.ShowInfo = false
	if err := r.Heatmap(context.Background(), "in.mp4", testDoc(), "heat.mp4", opts); err != nil {
		t.Fatal(err)
	}
	s := sinks.Get("heat.mp4")
	if len(s.Frames) != 9 || !s.Closed {
		t.Fatalf("expected 9 frames in a closed sink, got %d", len(s.Frames))
	}
	// frames 0 and 1 precede the first analysis
	if s.Frames[0].Pix[0] != 100 {
		t.Errorf("frame 0 should be untouched, got %d", s.Frames[0].Pix[0])
	}
	if s.Frames[3].Pix[0] == 100 {
		t.Error("frame 3 should reuse the overlay of frame 2")
	}
	if maps.loads != 2 {
		t.Errorf("expected 2 map loads with caching, got %d", maps.loads)
	}
}

func TestComparisonAndPreviews(t *testing.T) {
	sinks := &video.MemorySinks{}
	r := NewRenderer(video.MemoryOpener(10, grayFrames(4, 64, 36)), sinks.Create, &memMaps{}, zerolog.Nop())

	out, err := r.RenderAll(context.Background(), "in.mp4", testDoc(), "/out", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 6 {
		t.Errorf("expected 6 videos, got %v", out)
	}

	cmp := sinks.Get("/out/comparison_video.mp4")
	if cmp.Width != 192 || cmp.Height != 36 || len(cmp.Frames) != 4 {
		t.Errorf("comparison is %dx%d with %d frames", cmp.Width, cmp.Height, len(cmp.Frames))
	}

	for _, a := range PreviewAspects {
		s := sinks.Get("/out/roi_preview_" + a.Slug() + ".mp4")
		if s == nil {
			t.Fatalf("missing preview for %s", a)
		}
		w, h := roi.Size(64, 36, a)
		if s.Width != w || s.Height != h || len(s.Frames) != 4 {
			t.Errorf("%s preview is %dx%d, want %dx%d", a, s.Width, s.Height, w, h)
		}
	}
}

func TestErrorRecordsAreSkipped(t *testing.T) {
	doc := testDoc()
	doc.Frames = []analysis.FrameRecord{
		doc.Frames[0],
		{FrameNumber: 4, Error: "decoder glitch", ROISuggestions: []types.ROI{}},
		doc.Frames[1],
	}
	maps := &memMaps{maps: map[int]*saliency.Map{2: hotMap(64, 36), 6: hotMap(64, 36)}}
	sinks := &video.MemorySinks{}
	r := NewRenderer(video.MemoryOpener(10, grayFrames(8, 64, 36)), sinks.Create, maps, zerolog.Nop())

	opts := DefaultOptions()
	opts.ShowInfo = false
	if err := r.Heatmap(context.Background(), "in.mp4", doc, "heat.mp4", opts); err != nil {
		t.Fatal(err)
	}
	s := sinks.Get("heat.mp4")
	for _, f := range []int{4, 5} {
		if s.Frames[f].Pix[0] == 100 {
			t.Errorf("frame %d should keep the overlay of frame 2", f)
		}
	}
	if maps.loads != 2 {
		t.Errorf("error record should not trigger a map load, got %d loads", maps.loads)
	}

	samples := doc.Samples()
	if len(samples) != 2 || samples[0].Frame != 2 || samples[1].Frame != 6 {
		t.Errorf("smoother input should skip the error record, got %+v", samples)
	}
}

// TestHeatmapSceneRange renders the full video over an analysis of seconds 3 to 5,
// whose records carry absolute frame numbers.
func TestHeatmapSceneRange(t *testing.T) {
	stats := &types.SaliencyStats{Max: 255}
	doc := &analysis.Document{
		VideoID: "scene",
		Metadata: analysis.Metadata{AnalysisParams: analysis.Params{
			AspectRatio: roi.Portrait, Start: 3, End: 5,
		}},
		Frames: []analysis.FrameRecord{{FrameNumber: 30, SaliencyStats: stats}},
	}
	maps := &memMaps{maps: map[int]*saliency.Map{30: hotMap(64, 36)}}
	sinks := &video.MemorySinks{}
	r := NewRenderer(video.MemoryOpener(10, grayFrames(40, 64, 36)), sinks.Create, maps, zerolog.Nop())

	opts := DefaultOptions()
	opts.ShowInfo = false
	if err := r.Heatmap(context.Background(), "in.mp4", doc, "scene.mp4", opts); err != nil {
		t.Fatal(err)
	}
	s := sinks.Get("scene.mp4")
	if s.Frames[29].Pix[0] != 100 {
		t.Error("frames before the scene should be untouched")
	}
	if s.Frames[30].Pix[0] == 100 {
		t.Error("the first scene frame should carry its overlay")
	}
}

func TestComparisonCentersWithoutROI(t *testing.T) {
	frames := grayFrames(2, 64, 36)
	for _, img := range frames {
		for y := 0; y < 36; y++ {
			for x := 0; x < 8; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
			}
		}
	}
	doc := &analysis.Document{
		VideoID:  "none",
		Metadata: analysis.Metadata{AnalysisParams: analysis.Params{AspectRatio: roi.Portrait}},
	}
	sinks := &video.MemorySinks{}
	r := NewRenderer(video.MemoryOpener(10, frames), sinks.Create, &memMaps{}, zerolog.Nop())
	if err := r.Comparison(context.Background(), "in.mp4", doc, "cmp.mp4", DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	cmp := sinks.Get("cmp.mp4")
	if c := cmp.Frames[0].RGBAAt(0, 10); c.R != 255 {
		t.Errorf("original panel should show the red edge, got %v", c)
	}
	if c := cmp.Frames[0].RGBAAt(2*64, 10); c.R != 100 {
		t.Errorf("crop panel should be the centered crop, not the full frame, got %v", c)
	}
}
