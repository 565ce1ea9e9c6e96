package render

import (
	"fmt"
	"image/color"
	"math"
)

// Colormap names a false-color palette for saliency overlays.
type Colormap string

const (
	Jet     Colormap = "jet"
	Hot     Colormap = "hot"
	Cool    Colormap = "cool"
	Viridis Colormap = "viridis"
	Plasma  Colormap = "plasma"
	Inferno Colormap = "inferno"
	Magma   Colormap = "magma"
	Turbo   Colormap = "turbo"
)

// Colormaps lists every supported palette.
var Colormaps = []Colormap{Jet, Hot, Cool, Viridis, Plasma, Inferno, Magma, Turbo}

// ParseColormap validates a palette name. Empty selects jet.
func ParseColormap(s string) (Colormap, error) {
	if s == "" {
		return Jet, nil
	}
	for _, c := range Colormaps {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown colormap %q", s)
}

// LUT maps 8-bit saliency to a color.
type LUT [256]color.RGBA

// perceptual palettes sampled at t = 0, .25, .5, .75, 1
var anchors = map[Colormap][5][3]float64{
	Viridis: {{68, 1, 84}, {59, 82, 139}, {33, 145, 140}, {94, 201, 98}, {253, 231, 37}},
	Plasma:  {{13, 8, 135}, {126, 3, 168}, {204, 71, 120}, {248, 149, 64}, {240, 249, 33}},
	Inferno: {{0, 0, 4}, {87, 16, 110}, {188, 55, 84}, {249, 142, 9}, {252, 255, 164}},
	Magma:   {{0, 0, 4}, {81, 18, 124}, {183, 55, 121}, {252, 137, 97}, {252, 253, 191}},
}

// Table builds the lookup table of a palette.
func (c Colormap) Table() LUT {
	var lut LUT
	for i := range lut {
		t := float64(i) / 255
		var r, g, b float64
		switch c {
		case Hot:
			r, g, b = unit(3*t), unit(3*t-1), unit(3*t-2)
		case Cool:
			r, g, b = t, 1-t, 1
		case Turbo:
			r, g, b = turbo(t)
		case Viridis, Plasma, Inferno, Magma:
			r, g, b = interpolate(anchors[c], t)
		default:
			r = unit(1.5 - math.Abs(4*t-3))
			g = unit(1.5 - math.Abs(4*t-2))
			b = unit(1.5 - math.Abs(4*t-1))
		}
		lut[i] = color.RGBA{to8(r), to8(g), to8(b), 255}
	}
	return lut
}

func interpolate(a [5][3]float64, t float64) (float64, float64, float64) {
	pos := t * 4
	i := int(pos)
	if i >= 4 {
		return a[4][0] / 255, a[4][1] / 255, a[4][2] / 255
	}
	f := pos - float64(i)
	lerp := func(k int) float64 { return (a[i][k] + (a[i+1][k]-a[i][k])*f) / 255 }
	return lerp(0), lerp(1), lerp(2)
}

// turbo uses the polynomial fit of Google's Turbo palette.
func turbo(t float64) (float64, float64, float64) {
	r := 0.13572138 + t*(4.61539260+t*(-42.66032258+t*(132.13108234+t*(-152.94239396+t*59.28637943))))
	g := 0.09140261 + t*(2.19418839+t*(4.84296658+t*(-14.18503333+t*(4.27729857+t*2.82956604))))
	b := 0.10667330 + t*(12.64194608+t*(-60.58204836+t*(110.36276771+t*(-89.90310912+t*27.34824973))))
	return unit(r), unit(g), unit(b)
}

func unit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func to8(v float64) uint8 {
	return uint8(math.Round(unit(v) * 255))
}
