// Package roi turns saliency maps into ranked crop rectangles for a target aspect ratio.
package roi

import (
	"sort"

	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
)

// Method names recorded on each ROI.
const (
	MethodSlidingWindow  = "sliding_window"
	MethodFallbackCenter = "fallback_center"
)

// fallbackScore is assigned to the centered ROI when nothing else qualifies.
const fallbackScore = 0.5

// Tuning controls the threshold search and the sliding-window floor.
type Tuning struct {
	Method        string  // name recorded for threshold-search ROIs
	ThresholdBase float64 // first threshold as a fraction of the map range
	ThresholdStep float64
	WindowFloor   float64 // minimum normalized mean for a sliding-window ROI
}

// TuningFor returns the selector tuning paired with a fusion strategy.
func TuningFor(s saliency.Strategy) Tuning {
	switch s {
	case saliency.StrategyHybrid:
		return Tuning{Method: "hybrid_saliency", ThresholdBase: 0.6, ThresholdStep: 0.15, WindowFloor: 0.2}
	case saliency.StrategySegmentation:
		return Tuning{Method: "segmentation_saliency", ThresholdBase: 0.4, ThresholdStep: 0.2, WindowFloor: 0.1}
	default:
		return Tuning{Method: "robust_saliency", ThresholdBase: 0.4, ThresholdStep: 0.2, WindowFloor: 0.1}
	}
}

// Selector suggests ROIs. It is stateless and safe for concurrent use.
type Selector struct {
	tuning Tuning
}

// NewSelector builds a selector with the given tuning.
func NewSelector(t Tuning) *Selector {
	return &Selector{tuning: t}
}

// Suggest returns up to count ROIs of the given aspect, best first. The map is not modified.
func (s *Selector) Suggest(m *saliency.Map, a Aspect, count int) []types.ROI {
	if count <= 0 || m == nil || m.W == 0 || m.H == 0 || a.Validate() != nil {
		return nil
	}
	rw, rh := Size(m.W, m.H, a)
	sat := newSummedArea(m)

	var out []types.ROI
	out = append(out, s.thresholdSearch(m, sat, rw, rh, count)...)
	if len(out) < count {
		out = append(out, s.slidingWindow(m, sat, rw, rh, count-len(out))...)
	}
	if len(out) == 0 {
		out = append(out, centered(m.W, m.H, rw, rh))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// thresholdSearch climbs through thresholds, centering an ROI on the largest
// connected region above each one.
func (s *Selector) thresholdSearch(m *saliency.Map, sat *summedArea, rw, rh, count int) []types.ROI {
	lo, hi := 255, 0
	for _, v := range m.Pix {
		lo = min(lo, int(v))
		hi = max(hi, int(v))
	}

	var out []types.ROI
	for i := 0; i < count; i++ {
		var threshold float64
		if hi > lo {
			threshold = float64(lo) + float64(hi-lo)*(s.tuning.ThresholdBase+float64(i)*s.tuning.ThresholdStep)
		} else {
			threshold = float64(hi) * 0.5
		}

		cx, cy, ok := largestComponent(m, threshold)
		if !ok {
			continue
		}
		x := clamp(cx-rw/2, 0, m.W-rw)
		y := clamp(cy-rh/2, 0, m.H-rh)
		out = append(out, types.ROI{
			X: x, Y: y, Width: rw, Height: rh,
			Score:  sat.mean(x, y, rw, rh) / 255,
			Method: s.tuning.Method,
		})
	}
	return out
}

// slidingWindow scans the frame left to right, top to bottom.
func (s *Selector) slidingWindow(m *saliency.Map, sat *summedArea, rw, rh, need int) []types.ROI {
	stride := min(rw/4, rh/4, 50)
	if stride < 1 {
		stride = 1
	}
	var out []types.ROI
	for y := 0; y+rh <= m.H; y += stride {
		for x := 0; x+rw <= m.W; x += stride {
			score := sat.mean(x, y, rw, rh) / 255
			if score <= s.tuning.WindowFloor {
				continue
			}
			out = append(out, types.ROI{X: x, Y: y, Width: rw, Height: rh, Score: score, Method: MethodSlidingWindow})
			if len(out) >= need {
				return out
			}
		}
	}
	return out
}

func centered(w, h, rw, rh int) types.ROI {
	return types.ROI{
		X:      clamp(w/2-rw/2, 0, w-rw),
		Y:      clamp(h/2-rh/2, 0, h-rh),
		Width:  rw,
		Height: rh,
		Score:  fallbackScore,
		Method: MethodFallbackCenter,
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return max(lo, min(v, hi))
}

// summedArea is an integral image for constant-time window means.
type summedArea struct {
	w   int
	sum []int64
}

func newSummedArea(m *saliency.Map) *summedArea {
	w := m.W + 1
	sum := make([]int64, w*(m.H+1))
	for y := 0; y < m.H; y++ {
		var row int64
		for x := 0; x < m.W; x++ {
			row += int64(m.Pix[y*m.W+x])
			sum[(y+1)*w+x+1] = sum[y*w+x+1] + row
		}
	}
	return &summedArea{w: w, sum: sum}
}

func (s *summedArea) mean(x, y, rw, rh int) float64 {
	if rw <= 0 || rh <= 0 {
		return 0
	}
	a := s.sum[y*s.w+x]
	b := s.sum[y*s.w+x+rw]
	c := s.sum[(y+rh)*s.w+x]
	d := s.sum[(y+rh)*s.w+x+rw]
	return float64(d-b-c+a) / float64(rw*rh)
}

// largestComponent labels the 8-connected regions strictly above threshold and
// returns the integer centroid of the biggest one.
func largestComponent(m *saliency.Map, threshold float64) (int, int, bool) {
	seen := make([]bool, len(m.Pix))
	var stack []int
	bestSize := 0
	var bestX, bestY int64

	for start, v := range m.Pix {
		if seen[start] || float64(v) <= threshold {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		size := 0
		var sx, sy int64
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%m.W, i/m.W
			size++
			sx += int64(x)
			sy += int64(y)
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= m.H {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= m.W {
						continue
					}
					j := ny*m.W + nx
					if !seen[j] && float64(m.Pix[j]) > threshold {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		if size > bestSize {
			bestSize, bestX, bestY = size, sx, sy
		}
	}
	if bestSize == 0 {
		return 0, 0, false
	}
	return int(bestX / int64(bestSize)), int(bestY / int64(bestSize)), true
}
