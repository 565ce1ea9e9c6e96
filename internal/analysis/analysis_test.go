package analysis

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/reframer/internal/detect"
	"github.com/andresmejia3/reframer/internal/reframe"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/video"
	"github.com/rs/zerolog"
)

// movingSquare renders n frames of a bright square sliding across a gray background.
func movingSquare(n, w, h int) []*image.RGBA {
	frames := make([]*image.RGBA, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = 90, 90, 90, 255
		}
		x0 := 40 + i*(w-160)/n
		for y := h/2 - 40; y < h/2+40; y++ {
			for x := x0; x < x0+80; x++ {
				img.SetRGBA(x, y, color.RGBA{250, 40, 40, 255})
			}
		}
		frames[i] = img
	}
	return frames
}

func newAnalyzer(faces detect.FaceProvider) *Analyzer {
	engine := saliency.NewEngine(saliency.DefaultConfig(), nil, zerolog.Nop())
	return New(engine, faces, nil, zerolog.Nop())
}

func TestRunSampledVideo(t *testing.T) {
	src := video.NewMemorySource(30, movingSquare(30, 640, 480))
	a := newAnalyzer(nil)

	var progress []int
	maps := map[int]*saliency.Map{}
	doc, err := a.Run(context.Background(), "vid", src, Options{
		SampleRate: 5,
		Aspect:     roi.Portrait,
		Count:      3,
		Maps: func(frame int, m *saliency.Map) error {
			maps[frame] = m
			return nil
		},
		Progress: func(done, total int) {
			if total != 6 {
				t.Errorf("expected total 6, got %d", total)
			}
			progress = append(progress, done)
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(doc.Frames) != 6 {
		t.Fatalf("expected 6 records, got %d", len(doc.Frames))
	}
	for i, r := range doc.Frames {
		if r.FrameNumber != i*5 {
			t.Errorf("record %d has frame %d", i, r.FrameNumber)
		}
		if r.Error != "" {
			t.Errorf("frame %d failed: %s", r.FrameNumber, r.Error)
		}
		if len(r.ROISuggestions) == 0 || len(r.ROISuggestions) > 3 {
			t.Errorf("frame %d has %d suggestions", r.FrameNumber, len(r.ROISuggestions))
		}
		if r.SaliencyStats == nil || r.SaliencyStats.Max == 0 {
			t.Errorf("frame %d has no saliency", r.FrameNumber)
		}
		if maps[r.FrameNumber] == nil {
			t.Errorf("no map written for frame %d", r.FrameNumber)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 6 {
		t.Errorf("unexpected progress %v", progress)
	}
	if doc.Metadata.ProcessingStats.TotalFramesAnalyzed != 6 {
		t.Errorf("stats report %d frames", doc.Metadata.ProcessingStats.TotalFramesAnalyzed)
	}

	crops := reframe.Reframe(doc.Samples(), 30, 640, 480, roi.Portrait, reframe.DefaultParams())
	if len(crops) != 30 {
		t.Fatalf("expected 30 crops, got %d", len(crops))
	}
	for i, c := range crops {
		if c.X < 0 || c.Y < 0 || c.X+c.W > 640 || c.Y+c.H > 480 {
			t.Errorf("crop %d out of bounds: %+v", i, c)
		}
	}
}

func TestRunMaxFrames(t *testing.T) {
	src := video.NewMemorySource(30, movingSquare(20, 64, 48))
	doc, err := newAnalyzer(nil).Run(context.Background(), "vid", src, Options{SampleRate: 2, MaxFrames: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Frames) != 3 {
		t.Errorf("expected 3 records, got %d", len(doc.Frames))
	}
}

func TestProviderErrorKeepsFrame(t *testing.T) {
	faces := &detect.Static{Err: errors.New("detector offline")}
	src := video.NewMemorySource(10, movingSquare(4, 64, 48))
	doc, err := newAnalyzer(faces).Run(context.Background(), "vid", src, Options{SampleRate: 1})
	if err != nil {
		t.Fatalf("Run should survive detector errors: %v", err)
	}
	if len(doc.Frames) != 4 || doc.Metadata.ProcessingStats.FailedFrames != 0 {
		t.Fatalf("expected 4 usable records, got %d records, %d failed", len(doc.Frames), doc.Metadata.ProcessingStats.FailedFrames)
	}
	for _, r := range doc.Frames {
		if r.Error != "" || r.SaliencyStats == nil || len(r.ROISuggestions) == 0 {
			t.Errorf("frame %d should still be fused: %+v", r.FrameNumber, r)
		}
	}
	if len(doc.Samples()) != 4 {
		t.Errorf("expected 4 smoother samples, got %d", len(doc.Samples()))
	}
}

func TestSegmentationProviderErrorKeepsFrame(t *testing.T) {
	cfg := saliency.DefaultConfig()
	cfg.Strategy = saliency.StrategySegmentation
	engine := saliency.NewEngine(cfg, nil, zerolog.Nop())
	broken := &detect.Static{Err: errors.New("segmenter crashed")}
	a := New(engine, broken, broken, zerolog.Nop())

	f := types.Frame{Number: 0, Image: movingSquare(1, 64, 48)[0]}
	rec, m := a.AnalyzeFrame(context.Background(), f, roi.Portrait, 2)
	if rec.Error != "" || m == nil || len(rec.ROISuggestions) == 0 {
		t.Errorf("segmentation frame should fall back to the traditional signals: %+v", rec)
	}
}

func TestEmptyFrameBecomesRecord(t *testing.T) {
	rec, m := newAnalyzer(nil).AnalyzeFrame(context.Background(), types.Frame{Number: 3, Timestamp: 0.1}, roi.Portrait, 3)
	if m != nil {
		t.Error("empty frame must not produce a map")
	}
	if rec.FrameNumber != 3 || !strings.Contains(rec.Error, "empty frame") || rec.SaliencyStats != nil || len(rec.ROISuggestions) != 0 {
		t.Errorf("unexpected error record %+v", rec)
	}
	doc := &Document{Frames: []FrameRecord{rec}}
	if len(doc.Samples()) != 0 {
		t.Error("error records must not produce samples")
	}
}

// panicOnce panics on its first call only.
type panicOnce struct{ calls atomic.Int32 }

func (p *panicOnce) Name() string { return "panic-once" }
func (p *panicOnce) DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	if p.calls.Add(1) == 1 {
		panic("inference crashed")
	}
	return nil, nil
}
func (p *panicOnce) Close() error { return nil }

func TestBatchPanicFallsBackToSequential(t *testing.T) {
	src := video.NewMemorySource(10, movingSquare(6, 64, 48))
	doc, err := newAnalyzer(&panicOnce{}).Run(context.Background(), "vid", src, Options{SampleRate: 1, BatchSize: 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !doc.Metadata.ProcessingStats.SequentialFallback {
		t.Error("expected sequential fallback to be recorded")
	}
	if len(doc.Frames) != 6 {
		t.Fatalf("expected 6 records, got %d", len(doc.Frames))
	}
	for i, r := range doc.Frames {
		if r.FrameNumber != i || r.Error != "" {
			t.Errorf("record %d: frame %d error %q", i, r.FrameNumber, r.Error)
		}
	}
}

// alwaysPanic fails on the sequential path too.
type alwaysPanic struct{}

func (alwaysPanic) Name() string { return "always-panic" }
func (alwaysPanic) DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	panic("broken")
}
func (alwaysPanic) Close() error { return nil }

func TestSequentialPanicIsFatal(t *testing.T) {
	src := video.NewMemorySource(10, movingSquare(2, 32, 32))
	if _, err := newAnalyzer(alwaysPanic{}).Run(context.Background(), "vid", src, Options{}); err == nil {
		t.Error("expected error when sequential analysis panics")
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := video.NewMemorySource(10, movingSquare(2, 32, 32))
	if _, err := newAnalyzer(nil).Run(ctx, "vid", src, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMapRoundTrip(t *testing.T) {
	m := saliency.NewMap(5, 3)
	for i := range m.Pix {
		m.Pix[i] = uint8(i * 17)
	}
	raw, err := EncodeMap(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMap(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.W != 5 || got.H != 3 || string(got.Pix) != string(m.Pix) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := DecodeMap([]byte{0xa0}); err == nil {
		t.Error("expected error for non-array payload")
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := saliency.NewMap(4, 4)
	m.Pix[5] = 200
	if err := s.SaveMap("abc", 10, m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "abc", "maps", "frame_000010.cbor.zst")); err != nil {
		t.Errorf("map file missing: %v", err)
	}
	back, err := s.LoadMap("abc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if back.At(1, 1) != 200 {
		t.Errorf("expected 200 at (1,1), got %d", back.At(1, 1))
	}

	doc := &Document{
		VideoID: "abc",
		Frames: []FrameRecord{
			{FrameNumber: 10, ROISuggestions: []types.ROI{{X: 1, Width: 2, Height: 2, Score: 0.4}}},
			{FrameNumber: 0, ROISuggestions: []types.ROI{{X: 3, Width: 2, Height: 2, Score: 0.9}}},
		},
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadDocument("abc")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Frames[0].FrameNumber != 0 {
		t.Error("loaded frames should be sorted by frame number")
	}
	if _, err := os.Stat(filepath.Join(dir, "abc", "roi_suggestions.json")); err != nil {
		t.Errorf("roi export missing: %v", err)
	}

	ids, err := s.List()
	if err != nil || len(ids) != 1 || ids[0] != "abc" {
		t.Errorf("List = %v, %v", ids, err)
	}

	if _, err := s.LoadDocument("missing"); !errors.Is(err, ErrNoAnalysis) {
		t.Errorf("expected ErrNoAnalysis, got %v", err)
	}
	if err := s.Delete("abc"); err != nil {
		t.Fatal(err)
	}
	if ids, _ := s.List(); len(ids) != 0 {
		t.Errorf("expected no analyses after delete, got %v", ids)
	}
}

func TestValidateVideoID(t *testing.T) {
	for _, id := range []string{"abc", "0123456789abcdef", "clip_01.v2"} {
		if err := ValidateVideoID(id); err != nil {
			t.Errorf("ValidateVideoID(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`, "x..y"} {
		if err := ValidateVideoID(id); !errors.Is(err, ErrInvalidVideoID) {
			t.Errorf("ValidateVideoID(%q) = %v, want ErrInvalidVideoID", id, err)
		}
	}

	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SaveDocument(&Document{VideoID: "../escape"}); !errors.Is(err, ErrInvalidVideoID) {
		t.Errorf("SaveDocument should reject the id, got %v", err)
	}
	if _, err := s.LoadDocument("../../etc"); !errors.Is(err, ErrInvalidVideoID) {
		t.Errorf("LoadDocument should reject the id, got %v", err)
	}
	if err := s.Delete(".."); !errors.Is(err, ErrInvalidVideoID) {
		t.Errorf("Delete should reject the id, got %v", err)
	}
}

func TestNearestAndSamples(t *testing.T) {
	stats := &types.SaliencyStats{Max: 10}
	doc := &Document{Frames: []FrameRecord{
		{FrameNumber: 0, SaliencyStats: stats, ROISuggestions: []types.ROI{{X: 1, Width: 4, Height: 8, Score: 0.2}, {X: 2, Width: 4, Height: 8, Score: 0.8}}},
		{FrameNumber: 5, Error: "boom", ROISuggestions: []types.ROI{}},
		{FrameNumber: 10, SaliencyStats: stats, ROISuggestions: []types.ROI{{X: 7, Width: 4, Height: 8, Score: 0.5}}},
	}}

	samples := doc.Samples()
	if len(samples) != 2 || samples[0].Crop.X != 2 || samples[1].Frame != 10 {
		t.Errorf("unexpected samples %+v", samples)
	}

	tests := []struct {
		frame int
		want  int
	}{
		{0, 0}, {4, 0}, {7, 0}, {10, 10}, {99, 10},
	}
	for _, tt := range tests {
		r, ok := doc.Nearest(tt.frame)
		if !ok || r.FrameNumber != tt.want {
			t.Errorf("Nearest(%d) = %d, want %d", tt.frame, r.FrameNumber, tt.want)
		}
	}

	late := &Document{Frames: []FrameRecord{{FrameNumber: 20, SaliencyStats: stats}}}
	if _, ok := late.Nearest(3); ok {
		t.Error("frames before the first analyzed frame have no data")
	}
}
