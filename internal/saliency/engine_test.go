package saliency

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/reframer/internal/types"
	"github.com/rs/zerolog"
)

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, 255
	}
	return img
}

// splitFrame is black on the left half and white on the right half.
func splitFrame(w, h int) *image.RGBA {
	img := solidFrame(w, h, color.RGBA{A: 255})
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			o := y*img.Stride + x*4
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = 255, 255, 255
		}
	}
	return img
}

func newTestEngine(strategy Strategy, backend Backend) *Engine {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	return NewEngine(cfg, backend, zerolog.Nop())
}

func sumWeights(w map[string]float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func TestComputeDarkFrameReturnsCenterBias(t *testing.T) {
	e := newTestEngine(StrategyRobust, nil)
	frame := solidFrame(64, 48, color.RGBA{R: 5, G: 5, B: 5, A: 255})

	m, report := e.Compute(frame, []types.Box{{X: 0, Y: 0, W: 20, H: 20, Score: 1}}, nil)
	if !report.Dark {
		t.Fatal("expected dark-frame shortcut")
	}
	want := toMap(CenterBias(64, 48))
	for i := range want.Pix {
		if m.Pix[i] != want.Pix[i] {
			t.Fatalf("pixel %d: got %d, want %d", i, m.Pix[i], want.Pix[i])
		}
	}
}

func TestComputeUniformFrameFallsBackToCenter(t *testing.T) {
	e := newTestEngine(StrategyRobust, nil)
	frame := solidFrame(40, 30, color.RGBA{R: 128, G: 128, B: 128, A: 255})

	m, report := e.Compute(frame, nil, nil)
	if report.Dark {
		t.Fatal("mid-gray frame must not be treated as dark")
	}
	if report.Weights[SignalCenter] != 1 {
		t.Errorf("center weight = %v, want 1", report.Weights[SignalCenter])
	}
	want := toMap(CenterBias(40, 30))
	for i := range want.Pix {
		if m.Pix[i] != want.Pix[i] {
			t.Fatalf("pixel %d: got %d, want %d", i, m.Pix[i], want.Pix[i])
		}
	}
}

func TestComputeWeightsSumToOne(t *testing.T) {
	frame := splitFrame(64, 48)
	faces := []types.Box{{X: 10, Y: 10, W: 16, H: 16, Score: 0.9}}

	tests := []struct {
		name     string
		strategy Strategy
		faces    []types.Box
		objects  []types.ObjectMask
	}{
		{"robust no faces", StrategyRobust, nil, nil},
		{"robust with faces", StrategyRobust, faces, nil},
		{"hybrid", StrategyHybrid, faces, nil},
		{"segmentation without objects", StrategySegmentation, nil, nil},
		{"segmentation with objects", StrategySegmentation, faces,
			[]types.ObjectMask{{Box: types.Box{X: 0, Y: 0, W: 10, H: 10, Score: 0.8}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.strategy, nil)
			m, report := e.Compute(frame, tt.faces, tt.objects)
			if m.W != 64 || m.H != 48 || len(m.Pix) != 64*48 {
				t.Fatalf("map shape %dx%d (%d)", m.W, m.H, len(m.Pix))
			}
			if s := sumWeights(report.Weights); math.Abs(s-1) > 1e-9 {
				t.Errorf("weights sum to %v: %v", s, report.Weights)
			}
		})
	}
}

func meanIn(m *Map, x0, y0, x1, y1 int) float64 {
	var sum float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += float64(m.At(x, y))
		}
	}
	return sum / float64((x1-x0)*(y1-y0))
}

func TestSegmentationObjectWeight(t *testing.T) {
	frame := splitFrame(64, 48)
	objects := []types.ObjectMask{{Box: types.Box{X: 0, Y: 0, W: 16, H: 16, Score: 1}}}

	seg, report := newTestEngine(StrategySegmentation, nil).Compute(frame, nil, objects)
	if w := report.Weights[SignalSegmentation]; math.Abs(w-0.7) > 1e-9 {
		t.Errorf("object weight = %v, want 0.7", w)
	}
	traditional := sumWeights(report.Weights) - report.Weights[SignalSegmentation]
	if math.Abs(traditional-0.3) > 1e-9 {
		t.Errorf("traditional signals share %v, want 0.3: %v", traditional, report.Weights)
	}

	robust, _ := newTestEngine(StrategyRobust, nil).Compute(frame, nil, nil)
	if got, base := meanIn(seg, 0, 0, 16, 16), meanIn(robust, 0, 0, 16, 16); got <= base {
		t.Errorf("object region should gain saliency: segmentation %.1f, robust %.1f", got, base)
	}

	_, report = newTestEngine(StrategySegmentation, nil).Compute(frame, nil, nil)
	if report.Weights[SignalSegmentation] != 0 {
		t.Errorf("no objects should leave the object weight at 0, got %v", report.Weights[SignalSegmentation])
	}
	if s := sumWeights(report.Weights); math.Abs(s-1) > 1e-9 {
		t.Errorf("traditional weights should keep the full share, sum %v", s)
	}
}

func TestAdaptWeightsRedistributesWeakSignals(t *testing.T) {
	tests := []struct {
		name     string
		coverage map[string]float64
		want     map[string]float64
	}{
		{
			name:     "all strong",
			coverage: map[string]float64{SignalEdge: 0.2, SignalColor: 0.5, SignalFace: 0.05},
			want:     map[string]float64{SignalEdge: 0.3, SignalColor: 0.3, SignalFace: 0.3, SignalCenter: 0.1},
		},
		{
			name:     "no faces",
			coverage: map[string]float64{SignalEdge: 0.2, SignalColor: 0.5, SignalFace: 0},
			want:     map[string]float64{SignalEdge: 0.45, SignalColor: 0.45, SignalFace: 0, SignalCenter: 0.1},
		},
		{
			name:     "only color",
			coverage: map[string]float64{SignalEdge: 0.001, SignalColor: 0.5, SignalFace: 0},
			want:     map[string]float64{SignalEdge: 0, SignalColor: 0.9, SignalFace: 0, SignalCenter: 0.1},
		},
		{
			name:     "nothing survives",
			coverage: map[string]float64{},
			want:     map[string]float64{SignalEdge: 0, SignalColor: 0, SignalFace: 0, SignalCenter: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := []weighted{
				{name: SignalEdge, weight: 0.3, threshold: 0.01},
				{name: SignalColor, weight: 0.3, threshold: 0.01},
				{name: SignalFace, weight: 0.3, threshold: 0.001},
				{name: SignalCenter, weight: 0.1, threshold: -1},
			}
			adaptWeights(signals, tt.coverage)
			for _, s := range signals {
				if math.Abs(s.weight-tt.want[s.name]) > 1e-9 {
					t.Errorf("%s weight = %v, want %v", s.name, s.weight, tt.want[s.name])
				}
			}
		})
	}
}

type failingBackend struct {
	Native
	panic bool
}

func (f *failingBackend) Edges(img *image.RGBA, withGradient bool) (*Grid, error) {
	if f.panic {
		panic("boom")
	}
	return nil, errors.New("edge detector unavailable")
}

func TestComputeSurvivesFailingSignal(t *testing.T) {
	for _, panics := range []bool{false, true} {
		e := newTestEngine(StrategyRobust, &failingBackend{panic: panics})
		m, report := e.Compute(splitFrame(32, 32), nil, nil)
		if m == nil || len(m.Pix) != 32*32 {
			t.Fatal("expected a full-size map despite the failing signal")
		}
		if len(report.Failed) != 1 || report.Failed[0] != SignalEdge {
			t.Errorf("panic=%v: failed signals = %v, want [edge]", panics, report.Failed)
		}
		if report.Weights[SignalEdge] != 0 {
			t.Errorf("panic=%v: failed edge signal kept weight %v", panics, report.Weights[SignalEdge])
		}
	}
}

func TestNativeEdgesFindStep(t *testing.T) {
	g, err := NewNative().Edges(splitFrame(40, 20), false)
	if err != nil {
		t.Fatal(err)
	}
	onEdge, offEdge := false, false
	for y := 2; y < 18; y++ {
		if g.At(19, y) > 0 || g.At(20, y) > 0 {
			onEdge = true
		}
		if g.At(5, y) > 0 || g.At(35, y) > 0 {
			offEdge = true
		}
	}
	if !onEdge {
		t.Error("expected edge pixels along the black/white boundary")
	}
	if offEdge {
		t.Error("found edge pixels far from the boundary")
	}
}

func TestFaceProximity(t *testing.T) {
	g := FaceProximity(100, 100, []types.Box{{X: 40, Y: 40, W: 20, H: 20}})
	if g.At(50, 50) != 1 {
		t.Errorf("face center = %v, want 1", g.At(50, 50))
	}
	// radius is 15px, so 20px away is outside the ellipse
	if g.At(70, 50) != 0 || g.At(50, 29) != 0 {
		t.Error("expected zero outside 1.5x the half-box")
	}
	if v := g.At(57, 50); v <= 0 || v >= 1 {
		t.Errorf("expected falloff inside the ellipse, got %v", v)
	}
}

func TestCenterBias(t *testing.T) {
	g := CenterBias(90, 60)
	if g.At(45, 30) != 1 {
		t.Errorf("center = %v, want 1", g.At(45, 30))
	}
	if g.At(0, 0) != 0 || g.At(89, 59) != 0 {
		t.Error("corners should be outside the radius")
	}
}

func TestMapStats(t *testing.T) {
	m := &Map{W: 2, H: 2, Pix: []uint8{0, 10, 20, 30}}
	s := m.Stats()
	if s.Min != 0 || s.Max != 30 || s.NonZeroCount != 3 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.Mean != 15 {
		t.Errorf("mean = %v, want 15", s.Mean)
	}
	if math.Abs(s.Std-math.Sqrt(125)) > 1e-9 {
		t.Errorf("std = %v, want %v", s.Std, math.Sqrt(125))
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyRobust {
		t.Errorf("empty strategy = %q, %v", s, err)
	}
	if _, err := ParseStrategy("deepgaze"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
}
