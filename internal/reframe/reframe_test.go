package reframe

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/andresmejia3/reframer/internal/roi"
)

func randomSamples(rng *rand.Rand, n, total, frameW, frameH, w, h int) []Sample {
	samples := make([]Sample, n)
	step := total / n
	for i := range samples {
		samples[i] = Sample{
			Frame: i * step,
			Crop:  Crop{X: rng.Intn(frameW - w + 1), Y: rng.Intn(frameH - h + 1), W: w, H: h},
		}
	}
	return samples
}

func TestEaseInOutCubic(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{0.25, 0.0625},
		{0.5, 0.5},
		{0.75, 0.9375},
		{1, 1},
	}
	for _, tt := range tests {
		if got := EaseInOutCubic(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("EaseInOutCubic(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInterpolateIsExactAtSamples(t *testing.T) {
	samples := []Sample{
		{Frame: 0, Crop: Crop{X: 0, Y: 0, W: 100, H: 200}},
		{Frame: 10, Crop: Crop{X: 50, Y: 20, W: 100, H: 200}},
		{Frame: 25, Crop: Crop{X: 10, Y: 90, W: 120, H: 210}},
	}
	for _, s := range samples {
		if got := Interpolate(samples, s.Frame); got != s.Crop {
			t.Errorf("frame %d: got %+v, want %+v", s.Frame, got, s.Crop)
		}
	}
	if got := Interpolate(samples, 5); got.X != 25 || got.Y != 10 {
		t.Errorf("midpoint = %+v, want x=25 y=10", got)
	}
	if got := Interpolate(samples, 40); got != samples[2].Crop {
		t.Errorf("after last sample got %+v", got)
	}
}

func TestReframeBoundsMovement(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const frameW, frameH, total = 640, 480, 300

	for _, sf := range []float64{0.1, 0.3, 0.7, 1} {
		for _, maxMove := range []float64{3, 15, 40} {
			samples := randomSamples(rng, 12, total, frameW, frameH, 216, 384)
			crops := Reframe(samples, total, frameW, frameH, roi.Portrait, Params{SmoothingFactor: sf, MaxMovement: maxMove})
			if len(crops) != total {
				t.Fatalf("got %d crops, want %d", len(crops), total)
			}
			for i, c := range crops {
				if c.X < 0 || c.Y < 0 || c.X+c.W > frameW || c.Y+c.H > frameH {
					t.Fatalf("sf=%v frame %d: crop %+v out of bounds", sf, i, c)
				}
				if i == 0 {
					continue
				}
				dx := math.Abs(float64(c.X - crops[i-1].X))
				dy := math.Abs(float64(c.Y - crops[i-1].Y))
				if dx > maxMove || dy > maxMove {
					t.Fatalf("sf=%v max=%v frame %d: moved (%v,%v)", sf, maxMove, i, dx, dy)
				}
			}
		}
	}
}

func TestReframeConverges(t *testing.T) {
	samples := []Sample{
		{Frame: 0, Crop: Crop{X: 0, Y: 0, W: 300, H: 720}},
		{Frame: 10, Crop: Crop{X: 370, Y: 0, W: 300, H: 720}},
	}

	slow := Reframe(samples, 200, 1920, 720, roi.Portrait, Params{SmoothingFactor: 0.1, MaxMovement: 5})
	if slow[100].X <= slow[0].X || slow[199].X <= slow[100].X {
		t.Errorf("sub-pixel steps should still move the crop: x=%d, %d, %d", slow[0].X, slow[100].X, slow[199].X)
	}
	if want := 100; math.Abs(float64(slow[199].X-want)) > 1 {
		t.Errorf("after 199 half-pixel steps x=%d, want about %d", slow[199].X, want)
	}

	crops := Reframe(samples, 200, 1920, 720, roi.Portrait, DefaultParams())
	for _, f := range []int{150, 199} {
		if crops[f].X != 370 {
			t.Errorf("frame %d: x=%d, want the target 370", f, crops[f].X)
		}
	}
}

func TestReframeZeroSmoothingIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	samples := randomSamples(rng, 8, 120, 1280, 720, 405, 720)
	want := InterpolateAll(samples, 120)
	got := Reframe(samples, 120, 1280, 720, roi.Portrait, Params{SmoothingFactor: 0, MaxMovement: 1})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReframeDegenerateSamples(t *testing.T) {
	center := Reframe(nil, 10, 640, 480, roi.Portrait, DefaultParams())
	want := Crop{X: 185, Y: 0, W: 270, H: 480}
	for i, c := range center {
		if c != want {
			t.Fatalf("frame %d: got %+v, want centered %+v", i, c, want)
		}
	}

	only := Crop{X: 7, Y: 9, W: 100, H: 100}
	single := Reframe([]Sample{{Frame: 4, Crop: only}}, 10, 640, 480, roi.Square, DefaultParams())
	if len(single) != 10 {
		t.Fatalf("got %d crops", len(single))
	}
	for i, c := range single {
		if c != only {
			t.Fatalf("frame %d: got %+v, want %+v", i, c, only)
		}
	}

	if got := Reframe(nil, 0, 640, 480, roi.Square, DefaultParams()); got != nil {
		t.Errorf("expected no crops for an empty video, got %d", len(got))
	}
}

func TestStep(t *testing.T) {
	p := Params{SmoothingFactor: 0.5, MaxMovement: 10}
	first := Crop{X: 100, Y: 100, W: 50, H: 50}

	c, s := Step(State{}, first, p)
	if c != first {
		t.Fatalf("first crop should pass through, got %+v", c)
	}

	c, _ = Step(s, Crop{X: 200, Y: 96, W: 60, H: 40}, p)
	want := Crop{X: 105, Y: 98, W: 60, H: 40}
	if c != want {
		t.Errorf("got %+v, want %+v", c, want)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want Crop
	}{
		{Crop{X: -5, Y: -5, W: 10, H: 10}, Crop{X: 0, Y: 0, W: 10, H: 10}},
		{Crop{X: 95, Y: 45, W: 10, H: 10}, Crop{X: 90, Y: 40, W: 10, H: 10}},
		{Crop{X: 3, Y: 0, W: 200, H: 10}, Crop{X: 0, Y: 0, W: 100, H: 10}},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in, 100, 50); got != tt.want {
			t.Errorf("Clamp(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestCropFrame(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	red := color.RGBA{R: 255, A: 255}
	for y := 20; y < 60; y++ {
		for x := 30; x < 50; x++ {
			src.SetRGBA(x, y, red)
		}
	}

	exact := CropFrame(src, Crop{X: 30, Y: 20, W: 20, H: 40}, 20, 40)
	if exact.Bounds().Dx() != 20 || exact.Bounds().Dy() != 40 {
		t.Fatalf("unexpected size %v", exact.Bounds())
	}
	if exact.RGBAAt(0, 0) != red || exact.RGBAAt(19, 39) != red {
		t.Error("exact crop lost the red block")
	}

	scaled := CropFrame(src, Crop{X: 30, Y: 20, W: 20, H: 40}, 45, 80)
	if scaled.Bounds().Dx() != 45 || scaled.Bounds().Dy() != 80 {
		t.Fatalf("unexpected resampled size %v", scaled.Bounds())
	}
	if c := scaled.RGBAAt(22, 40); c.R < 250 || c.G > 5 || c.B > 5 {
		t.Errorf("resampled center = %v, want red", c)
	}
}

func TestAnalyzeMovement(t *testing.T) {
	crops := []Crop{{X: 0}, {X: 3, Y: 4}, {X: 3, Y: 4}, {X: 15, Y: 4}}
	m := AnalyzeMovement(crops)
	if m.Max != 12 || m.Min != 0 || m.LargeJumps != 1 {
		t.Errorf("unexpected movement %+v", m)
	}
	if math.Abs(m.Average-17.0/3) > 1e-9 {
		t.Errorf("average = %v, want %v", m.Average, 17.0/3)
	}
}
