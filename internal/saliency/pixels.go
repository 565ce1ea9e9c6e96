package saliency

import (
	"image"
	"math"
)

// MeanBrightness is the mean over the R, G and B channels of every pixel.
func MeanBrightness(img *image.RGBA) float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum uint64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			sum += uint64(row[x]) + uint64(row[x+1]) + uint64(row[x+2])
		}
	}
	return float64(sum) / float64(w*h*3)
}

// Gray converts the frame to 8-bit luma using the fixed-point BT.601 weights.
func Gray(img *image.RGBA) []uint8 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			o := x * 4
			r, g, b := uint32(row[o]), uint32(row[o+1]), uint32(row[o+2])
			out[y*w+x] = uint8((r*4899 + g*9617 + b*1868 + 8192) >> 14)
		}
	}
	return out
}

func meanU8(pix []uint8) float64 {
	if len(pix) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range pix {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(pix))
}

// reflect101 maps an out-of-range index back inside [0, n) mirroring around the edge pixel.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// lab8 converts an sRGB pixel into 8-bit Lab (L scaled to 0..255, a and b offset by 128).
func lab8(r, g, b uint8) (float32, float32, float32) {
	lin := func(c uint8) float64 {
		v := float64(c) / 255
		if v <= 0.04045 {
			return v / 12.92
		}
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	rl, gl, bl := lin(r), lin(g), lin(b)

	x := (0.412453*rl + 0.357580*gl + 0.180423*bl) / 0.950456
	y := 0.212671*rl + 0.715160*gl + 0.072169*bl
	z := (0.019334*rl + 0.119193*gl + 0.950227*bl) / 1.088754

	f := func(t float64) float64 {
		if t > 0.008856 {
			return math.Cbrt(t)
		}
		return 7.787*t + 16.0/116.0
	}
	fx, fy, fz := f(x), f(y), f(z)

	var l float64
	if y > 0.008856 {
		l = 116*fy - 16
	} else {
		l = 903.3 * y
	}
	round := func(v float64) float32 {
		v = math.Round(v)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return float32(v)
	}
	return round(l * 255 / 100), round(500*(fx-fy) + 128), round(200*(fy-fz) + 128)
}

// boxMean returns the k x k mean of a single channel with mirrored borders.
func boxMean(src []float32, w, h, k int) []float32 {
	r := k / 2
	tmp := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var s float32
			for i := -r; i <= r; i++ {
				s += row[reflect101(x+i, w)]
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float32, w*h)
	area := float32(k * k)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float32
			for i := -r; i <= r; i++ {
				s += tmp[reflect101(y+i, h)*w+x]
			}
			out[y*w+x] = s / area
		}
	}
	return out
}
