package saliency

import (
	"image"
	"math"

	"github.com/andresmejia3/reframer/internal/types"
)

// Grid is a frame-sized float32 signal map. Values are expected in [0,1] after Normalize.
type Grid struct {
	W, H int
	Pix  []float32
}

// NewGrid allocates a zeroed grid.
func NewGrid(w, h int) *Grid {
	return &Grid{W: w, H: h, Pix: make([]float32, w*h)}
}

// At returns the value at (x, y).
func (g *Grid) At(x, y int) float32 {
	return g.Pix[y*g.W+x]
}

// Set stores v at (x, y).
func (g *Grid) Set(x, y int, v float32) {
	g.Pix[y*g.W+x] = v
}

// Max returns the largest value in the grid.
func (g *Grid) Max() float32 {
	var m float32
	for _, v := range g.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// NonZero counts strictly positive cells.
func (g *Grid) NonZero() int {
	n := 0
	for _, v := range g.Pix {
		if v > 0 {
			n++
		}
	}
	return n
}

// Coverage is the fraction of non-zero cells.
func (g *Grid) Coverage() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	return float64(g.NonZero()) / float64(len(g.Pix))
}

// Normalize divides every cell by the grid maximum. An all-zero grid is left untouched.
func (g *Grid) Normalize() {
	m := g.Max()
	if m <= 0 {
		return
	}
	inv := 1 / m
	for i, v := range g.Pix {
		g.Pix[i] = v * inv
	}
}

// Map is the fused 8-bit saliency map of a frame.
type Map struct {
	W, H int
	Pix  []uint8
}

// NewMap allocates a zeroed map.
func NewMap(w, h int) *Map {
	return &Map{W: w, H: h, Pix: make([]uint8, w*h)}
}

// At returns the saliency at (x, y).
func (m *Map) At(x, y int) uint8 {
	return m.Pix[y*m.W+x]
}

// Bounds returns the map rectangle anchored at the origin.
func (m *Map) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.W, m.H)
}

// toMap scales a [0,1] grid to [0,255], truncating toward zero.
func toMap(g *Grid) *Map {
	m := NewMap(g.W, g.H)
	for i, v := range g.Pix {
		s := float64(v) * 255
		if s >= 255 {
			m.Pix[i] = 255
		} else if s > 0 {
			m.Pix[i] = uint8(s)
		}
	}
	return m
}

// Stats summarizes the map for the analysis document.
func (m *Map) Stats() types.SaliencyStats {
	if len(m.Pix) == 0 {
		return types.SaliencyStats{}
	}
	minV, maxV := 255, 0
	var sum float64
	nonZero := 0
	for _, v := range m.Pix {
		iv := int(v)
		if iv < minV {
			minV = iv
		}
		if iv > maxV {
			maxV = iv
		}
		if iv > 0 {
			nonZero++
		}
		sum += float64(v)
	}
	n := float64(len(m.Pix))
	mean := sum / n

	var sq float64
	for _, v := range m.Pix {
		d := float64(v) - mean
		sq += d * d
	}

	return types.SaliencyStats{
		Min:          minV,
		Max:          maxV,
		Mean:         mean,
		Std:          math.Sqrt(sq / n),
		NonZeroCount: nonZero,
	}
}
