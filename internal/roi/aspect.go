package roi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Aspect is a target width:height ratio such as 9:16.
type Aspect struct {
	W int `json:"width" yaml:"width"`
	H int `json:"height" yaml:"height"`
}

// Standard aspect ratios rendered as previews.
var (
	Landscape = Aspect{16, 9}
	Portrait  = Aspect{9, 16}
	Classic   = Aspect{4, 3}
	Square    = Aspect{1, 1}
)

// ParseAspect parses "W:H" (or "WxH").
func ParseAspect(s string) (Aspect, error) {
	sep := ":"
	if !strings.Contains(s, sep) {
		sep = "x"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return Aspect{}, fmt.Errorf("invalid aspect ratio %q (want W:H)", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Aspect{}, fmt.Errorf("invalid aspect width in %q: %w", s, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Aspect{}, fmt.Errorf("invalid aspect height in %q: %w", s, err)
	}
	a := Aspect{W: w, H: h}
	if err := a.Validate(); err != nil {
		return Aspect{}, err
	}
	return a, nil
}

// Validate rejects non-positive ratios.
func (a Aspect) Validate() error {
	if a.W <= 0 || a.H <= 0 {
		return fmt.Errorf("aspect ratio must be positive, got %d:%d", a.W, a.H)
	}
	return nil
}

// Ratio returns W/H.
func (a Aspect) Ratio() float64 {
	return float64(a.W) / float64(a.H)
}

func (a Aspect) String() string {
	return fmt.Sprintf("%d:%d", a.W, a.H)
}

// Slug is a filesystem-friendly form, e.g. "9x16".
func (a Aspect) Slug() string {
	return fmt.Sprintf("%dx%d", a.W, a.H)
}

// maxFill caps an ROI at this share of the frame dimension it is fitted against.
const maxFill = 0.8

// ratioTolerance is how far a crop's w/h may drift from the aspect.
const ratioTolerance = 0.02

// Size returns the ROI dimensions for a frame: 80% of the width, or of the height
// when the width-derived height would not fit. Frames too small for rounding to
// keep the ratio get the largest crop that does.
func Size(frameW, frameH int, a Aspect) (int, int) {
	w := int(float64(frameW) * maxFill)
	h := roundDiv(w*a.H, a.W)
	if h > frameH {
		h = int(float64(frameH) * maxFill)
		w = roundDiv(h*a.W, a.H)
	}
	w, h = max(1, min(w, frameW)), max(1, min(h, frameH))
	if ratioError(w, h, a) < ratioTolerance {
		return w, h
	}
	return smallSize(frameW, frameH, a)
}

// smallSize scans heights from the largest down for the first crop within
// tolerance, falling back to the closest ratio that fits at all.
func smallSize(frameW, frameH int, a Aspect) (int, int) {
	bestW, bestH, bestErr := 1, 1, ratioError(1, 1, a)
	for h := max(1, frameH); h >= 1; h-- {
		w := roundDiv(h*a.W, a.H)
		if w < 1 || w > frameW {
			continue
		}
		e := ratioError(w, h, a)
		if e < ratioTolerance {
			return w, h
		}
		if e < bestErr {
			bestW, bestH, bestErr = w, h, e
		}
	}
	return bestW, bestH
}

func ratioError(w, h int, a Aspect) float64 {
	return math.Abs(float64(w)/float64(h) - a.Ratio())
}

func roundDiv(n, d int) int {
	return (2*n + d) / (2 * d)
}
