// Package reframe turns sparse per-sample ROIs into a dense, temporally smooth crop sequence.
package reframe

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/andresmejia3/reframer/internal/roi"
)

// Crop is a crop rectangle for one output frame.
type Crop struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

// Sample is the chosen ROI of an analyzed frame.
type Sample struct {
	Frame int
	Crop  Crop
}

// Params controls the smoothing fold.
type Params struct {
	// SmoothingFactor scales each clamped step, in [0,1]. Zero disables the fold and
	// returns the interpolated sequence unchanged.
	SmoothingFactor float64
	// MaxMovement bounds the per-frame displacement on each axis, in pixels.
	MaxMovement float64
}

// DefaultParams mirrors the service defaults.
func DefaultParams() Params {
	return Params{SmoothingFactor: 0.3, MaxMovement: 15}
}

// EaseInOutCubic accelerates then decelerates over t in [0,1].
func EaseInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	p := 2*t - 2
	return 1 + p*p*p/2
}

// Interpolate returns the crop for frame f from a non-empty slice of samples sorted by frame.
func Interpolate(samples []Sample, f int) Crop {
	next := sort.Search(len(samples), func(i int) bool { return samples[i].Frame > f })
	prev := next - 1
	switch {
	case prev < 0:
		return samples[next].Crop
	case next >= len(samples):
		return samples[prev].Crop
	}

	p, n := samples[prev], samples[next]
	t := EaseInOutCubic(float64(f-p.Frame) / float64(n.Frame-p.Frame))
	lerp := func(a, b int) int {
		return int(float64(a) + float64(b-a)*t)
	}
	return Crop{
		X: lerp(p.Crop.X, n.Crop.X),
		Y: lerp(p.Crop.Y, n.Crop.Y),
		W: lerp(p.Crop.W, n.Crop.W),
		H: lerp(p.Crop.H, n.Crop.H),
	}
}

// parallelThreshold is the frame count above which interpolation is split across CPUs.
const parallelThreshold = 4096

// InterpolateAll fills one crop per frame in [0, total). Frames are independent,
// so long videos are split into chunks.
func InterpolateAll(samples []Sample, total int) []Crop {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frame < sorted[j].Frame })

	out := make([]Crop, total)
	fill := func(lo, hi int) {
		for f := lo; f < hi; f++ {
			out[f] = Interpolate(sorted, f)
		}
	}

	workers := runtime.GOMAXPROCS(0)
	if total < parallelThreshold || workers < 2 {
		fill(0, total)
		return out
	}

	chunk := (total + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < total; lo += chunk {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fill(lo, hi)
		}(lo, min(lo+chunk, total))
	}
	wg.Wait()
	return out
}

// State is the smoothing fold's accumulator. The position is kept unrounded so
// sub-pixel steps add up instead of being truncated away.
type State struct {
	X, Y    float64
	Started bool
}

// Step folds one raw crop into the sequence. The first crop passes through; later crops
// move from the last position by the clamped delta scaled by the smoothing factor.
// Width and height always follow the raw crop.
func Step(s State, raw Crop, p Params) (Crop, State) {
	if !s.Started || p.SmoothingFactor == 0 {
		return raw, State{X: float64(raw.X), Y: float64(raw.Y), Started: true}
	}
	move := func(last float64, target int) float64 {
		d := math.Max(-p.MaxMovement, math.Min(p.MaxMovement, float64(target)-last))
		return last + d*p.SmoothingFactor
	}
	s.X, s.Y = move(s.X, raw.X), move(s.Y, raw.Y)
	c := Crop{
		X: int(math.Round(s.X)),
		Y: int(math.Round(s.Y)),
		W: raw.W,
		H: raw.H,
	}
	return c, s
}

// Clamp moves the crop inside the frame, shrinking it only if it is larger than the frame.
func Clamp(c Crop, frameW, frameH int) Crop {
	c.W = max(1, min(c.W, frameW))
	c.H = max(1, min(c.H, frameH))
	c.X = max(0, min(c.X, frameW-c.W))
	c.Y = max(0, min(c.Y, frameH-c.H))
	return c
}

// OutputSize is the crop size that fills the full frame height (or width, for
// aspects wider than the frame).
func OutputSize(frameW, frameH int, a roi.Aspect) (int, int) {
	w := frameH * a.W / a.H
	h := frameH
	if w > frameW {
		w = frameW
		h = frameW * a.H / a.W
	}
	return max(1, w), max(1, h)
}

// CenterCrop is the aspect-fitted crop centered in the frame.
func CenterCrop(frameW, frameH int, a roi.Aspect) Crop {
	w, h := OutputSize(frameW, frameH, a)
	return Crop{X: (frameW - w) / 2, Y: (frameH - h) / 2, W: w, H: h}
}

// Reframe produces exactly total crops. With no samples every frame gets the centered
// crop; a single sample is repeated for every frame.
func Reframe(samples []Sample, total, frameW, frameH int, a roi.Aspect, p Params) []Crop {
	if total <= 0 {
		return nil
	}
	out := make([]Crop, total)
	switch len(samples) {
	case 0:
		c := CenterCrop(frameW, frameH, a)
		for i := range out {
			out[i] = c
		}
		return out
	case 1:
		for i := range out {
			out[i] = samples[0].Crop
		}
		return out
	}

	p.SmoothingFactor = math.Max(0, math.Min(1, p.SmoothingFactor))
	p.MaxMovement = math.Max(0, p.MaxMovement)

	var state State
	for i, raw := range InterpolateAll(samples, total) {
		var c Crop
		c, state = Step(state, raw, p)
		clamped := Clamp(c, frameW, frameH)
		if clamped.X != c.X {
			state.X = float64(clamped.X)
		}
		if clamped.Y != c.Y {
			state.Y = float64(clamped.Y)
		}
		out[i] = clamped
	}
	return out
}
