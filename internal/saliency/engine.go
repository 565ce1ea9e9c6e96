// Package saliency fuses elementary image signals into an 8-bit saliency map.
package saliency

import (
	"fmt"
	"image"

	"github.com/andresmejia3/reframer/internal/types"
	"github.com/rs/zerolog"
)

// Strategy selects the fusion variant.
type Strategy string

const (
	StrategyRobust       Strategy = "robust"
	StrategyHybrid       Strategy = "hybrid"
	StrategySegmentation Strategy = "segmentation"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRobust, StrategyHybrid, StrategySegmentation:
		return Strategy(s), nil
	case "":
		return StrategyRobust, nil
	}
	return "", fmt.Errorf("unknown saliency strategy %q (want robust, hybrid or segmentation)", s)
}

// Signal names used in reports and logs.
const (
	SignalEdge         = "edge"
	SignalColor        = "color"
	SignalFace         = "face"
	SignalCenter       = "center"
	SignalSegmentation = "segmentation"
)

// Config tunes the fusion engine.
type Config struct {
	Strategy       Strategy
	DarkThreshold  float64 // mean brightness below which only the center bias is returned
	ContrastKernel int     // box size for the local color mean

	EdgeCoverage         float64
	ColorCoverage        float64
	FaceCoverage         float64
	SegmentationCoverage float64

	EdgeWeight   float64
	ColorWeight  float64
	FaceWeight   float64
	CenterWeight float64

	// ObjectWeight is the share of the object signal in the segmentation strategy.
	ObjectWeight float64
}

// DefaultConfig returns the robust strategy tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyRobust,
		DarkThreshold:        30,
		ContrastKernel:       15,
		EdgeCoverage:         0.01,
		ColorCoverage:        0.01,
		FaceCoverage:         0.001,
		SegmentationCoverage: 0.001,
		EdgeWeight:           0.3,
		ColorWeight:          0.3,
		FaceWeight:           0.3,
		CenterWeight:         0.1,
		ObjectWeight:         0.7,
	}
}

// Report describes how a map was produced.
type Report struct {
	Dark     bool               `json:"dark"`
	Weights  map[string]float64 `json:"weights"`
	Coverage map[string]float64 `json:"coverage"`
	Failed   []string           `json:"failed,omitempty"`
}

// Engine computes saliency maps. It holds no per-frame state and is safe for concurrent use.
type Engine struct {
	cfg     Config
	backend Backend
	logger  zerolog.Logger
}

// NewEngine builds an engine. A nil backend selects the pure Go implementation.
func NewEngine(cfg Config, backend Backend, logger zerolog.Logger) *Engine {
	if backend == nil {
		backend = NewNative()
	}
	if cfg.ContrastKernel < 1 {
		cfg.ContrastKernel = 15
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRobust
	}
	return &Engine{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With().Str("component", "saliency").Str("backend", backend.Name()).Logger(),
	}
}

// Strategy returns the configured fusion strategy.
func (e *Engine) Strategy() Strategy { return e.cfg.Strategy }

// ModelVersion identifies the strategy and backend in analysis documents.
func (e *Engine) ModelVersion() string {
	return fmt.Sprintf("%s_saliency/%s", e.cfg.Strategy, e.backend.Name())
}

type weighted struct {
	name      string
	grid      *Grid
	weight    float64
	threshold float64 // negative means the signal is never considered weak
}

// Compute fuses the signals of one frame. Faces and objects may be nil.
func (e *Engine) Compute(frame *image.RGBA, faces []types.Box, objects []types.ObjectMask) (*Map, Report) {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	report := Report{Weights: map[string]float64{}, Coverage: map[string]float64{}}

	if MeanBrightness(frame) < e.cfg.DarkThreshold {
		report.Dark = true
		report.Weights[SignalCenter] = 1
		return toMap(CenterBias(w, h)), report
	}

	fused := e.traditional(frame, faces, w, h, &report)

	if e.cfg.Strategy == StrategySegmentation {
		obj := e.signal(SignalSegmentation, w, h, &report, func() (*Grid, error) {
			return ObjectPresence(w, h, objects), nil
		})
		report.Coverage[SignalSegmentation] = obj.Coverage()
		if obj.Coverage() >= e.cfg.SegmentationCoverage && len(objects) > 0 {
			obj.Normalize()
			ow := e.cfg.ObjectWeight
			for i := range fused.Pix {
				fused.Pix[i] = float32(ow)*obj.Pix[i] + float32(1-ow)*fused.Pix[i]
			}
			for k, v := range report.Weights {
				report.Weights[k] = v * (1 - ow)
			}
			report.Weights[SignalSegmentation] = ow
		} else {
			report.Weights[SignalSegmentation] = 0
		}
	}

	return toMap(fused), report
}

// traditional fuses edge, color, face and center signals into a [0,1] grid.
func (e *Engine) traditional(frame *image.RGBA, faces []types.Box, w, h int, report *Report) *Grid {
	withGradient := e.cfg.Strategy == StrategyHybrid

	signals := []weighted{
		{name: SignalEdge, weight: e.cfg.EdgeWeight, threshold: e.cfg.EdgeCoverage,
			grid: e.signal(SignalEdge, w, h, report, func() (*Grid, error) { return e.backend.Edges(frame, withGradient) })},
		{name: SignalColor, weight: e.cfg.ColorWeight, threshold: e.cfg.ColorCoverage,
			grid: e.signal(SignalColor, w, h, report, func() (*Grid, error) { return e.backend.ColorContrast(frame, e.cfg.ContrastKernel) })},
		{name: SignalFace, weight: e.cfg.FaceWeight, threshold: e.cfg.FaceCoverage,
			grid: e.signal(SignalFace, w, h, report, func() (*Grid, error) { return FaceProximity(w, h, faces), nil })},
		{name: SignalCenter, weight: e.cfg.CenterWeight, threshold: -1,
			grid: e.signal(SignalCenter, w, h, report, func() (*Grid, error) { return CenterBias(w, h), nil })},
	}

	for i := range signals {
		report.Coverage[signals[i].name] = signals[i].grid.Coverage()
		signals[i].grid.Normalize()
	}
	adaptWeights(signals, report.Coverage)

	out := NewGrid(w, h)
	for _, s := range signals {
		report.Weights[s.name] = s.weight
		if s.weight == 0 {
			continue
		}
		sw := float32(s.weight)
		for i, v := range s.grid.Pix {
			out.Pix[i] += sw * v
		}
	}
	return out
}

// adaptWeights zeroes signals whose coverage is under their threshold, hands their
// weight evenly to the surviving non-center signals and renormalizes to 1.
func adaptWeights(signals []weighted, coverage map[string]float64) {
	var freed float64
	var active []int
	center := -1
	for i, s := range signals {
		if s.threshold < 0 {
			center = i
			continue
		}
		if coverage[s.name] < s.threshold {
			freed += s.weight
			signals[i].weight = 0
			continue
		}
		active = append(active, i)
	}

	switch {
	case len(active) > 0:
		share := freed / float64(len(active))
		for _, i := range active {
			signals[i].weight += share
		}
	case center >= 0:
		signals[center].weight += freed
	}

	var total float64
	for _, s := range signals {
		total += s.weight
	}
	if total <= 0 {
		return
	}
	for i := range signals {
		signals[i].weight /= total
	}
}

// signal runs one detector, turning errors and panics into an all-zero grid.
func (e *Engine) signal(name string, w, h int, report *Report, fn func() (*Grid, error)) (g *Grid) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Str("signal", name).Interface("panic", r).Msg("signal panicked, using empty map")
			report.Failed = append(report.Failed, name)
			g = NewGrid(w, h)
		}
	}()

	g, err := fn()
	if err != nil || g == nil || len(g.Pix) != w*h {
		if err == nil {
			err = fmt.Errorf("signal produced %v, want %dx%d grid", gridShape(g), w, h)
		}
		e.logger.Warn().Str("signal", name).Err(err).Msg("signal failed, using empty map")
		report.Failed = append(report.Failed, name)
		return NewGrid(w, h)
	}
	return g
}

func gridShape(g *Grid) string {
	if g == nil {
		return "nil"
	}
	return fmt.Sprintf("%dx%d", g.W, g.H)
}
