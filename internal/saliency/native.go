package saliency

import (
	"image"
	"math"
)

// Backend computes the image-processing signals. The pure Go backend is always available;
// an OpenCV backend lives in the cvsignals package.
type Backend interface {
	Name() string
	// Edges returns the dilated Canny edge map (0 or 255). When withGradient is set the
	// result is blended half and half with the normalized Sobel magnitude.
	Edges(img *image.RGBA, withGradient bool) (*Grid, error)
	// ColorContrast returns the mean absolute deviation from the local box mean over the Lab channels.
	ColorContrast(img *image.RGBA, kernel int) (*Grid, error)
}

// CannyThresholds picks the hysteresis thresholds from the mean gray level.
func CannyThresholds(grayMean float64) (low, high float64) {
	if grayMean < 50 {
		return 30, 80
	}
	return 50, 150
}

// Native is the pure Go signal backend.
type Native struct{}

// NewNative returns the pure Go backend.
func NewNative() *Native { return &Native{} }

func (n *Native) Name() string { return "native" }

func (n *Native) Edges(img *image.RGBA, withGradient bool) (*Grid, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	gray := Gray(img)
	low, high := CannyThresholds(meanU8(gray))

	gx, gy := sobel(gray, w, h)
	edges := dilate3(canny(gx, gy, w, h, low, high), w, h)

	out := NewGrid(w, h)
	for i, v := range edges {
		out.Pix[i] = float32(v)
	}
	if !withGradient {
		return out, nil
	}

	mag := NewGrid(w, h)
	for i := range mag.Pix {
		dx, dy := float64(gx[i]), float64(gy[i])
		mag.Pix[i] = float32(math.Sqrt(dx*dx + dy*dy))
	}
	mag.Normalize()
	for i := range out.Pix {
		out.Pix[i] = 0.5*out.Pix[i] + 0.5*mag.Pix[i]*255
	}
	return out, nil
}

func (n *Native) ColorContrast(img *image.RGBA, kernel int) (*Grid, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	chans := [3][]float32{make([]float32, w*h), make([]float32, w*h), make([]float32, w*h)}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			o := x * 4
			l, a, b := lab8(row[o], row[o+1], row[o+2])
			i := y*w + x
			chans[0][i], chans[1][i], chans[2][i] = l, a, b
		}
	}

	out := NewGrid(w, h)
	for _, c := range chans {
		mean := boxMean(c, w, h, kernel)
		for i, v := range c {
			d := v - mean[i]
			if d < 0 {
				d = -d
			}
			out.Pix[i] += d / 3
		}
	}
	return out, nil
}

// sobel computes the 3x3 derivatives with mirrored borders.
func sobel(gray []uint8, w, h int) ([]int32, []int32) {
	gx := make([]int32, w*h)
	gy := make([]int32, w*h)
	at := func(x, y int) int32 {
		return int32(gray[reflect101(y, h)*w+reflect101(x, w)])
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tl, t, tr := at(x-1, y-1), at(x, y-1), at(x+1, y-1)
			l, r := at(x-1, y), at(x+1, y)
			bl, b, br := at(x-1, y+1), at(x, y+1), at(x+1, y+1)
			gx[y*w+x] = (tr + 2*r + br) - (tl + 2*l + bl)
			gy[y*w+x] = (bl + 2*b + br) - (tl + 2*t + tr)
		}
	}
	return gx, gy
}

// canny runs non-maximum suppression on the L1 gradient magnitude followed by
// hysteresis tracking. Edge pixels are 255.
func canny(gx, gy []int32, w, h int, low, high float64) []uint8 {
	mag := make([]int32, w*h)
	for i := range mag {
		dx, dy := gx[i], gy[i]
		if dx < 0 {
			dx = -dx
		}
		if dy < 0 {
			dy = -dy
		}
		mag[i] = dx + dy
	}
	magAt := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		tg22 = 0.4142135623730950488
		tg67 = 2.4142135623730950488
	)

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, w*h)
	var stack []int

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if float64(m) <= low {
				continue
			}
			ax, ay := math.Abs(float64(gx[i])), math.Abs(float64(gy[i]))

			var a, b int32
			switch {
			case ay < ax*tg22:
				a, b = magAt(x-1, y), magAt(x+1, y)
			case ay > ax*tg67:
				a, b = magAt(x, y-1), magAt(x, y+1)
			case (gx[i] < 0) != (gy[i] < 0):
				a, b = magAt(x+1, y-1), magAt(x-1, y+1)
			default:
				a, b = magAt(x-1, y-1), magAt(x+1, y+1)
			}
			if m <= a || m < b {
				continue
			}
			if float64(m) > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	out := make([]uint8, w*h)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[i] != 0 {
			continue
		}
		out[i] = 255
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] != none && out[j] == 0 {
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

// dilate3 applies a 3x3 rectangular max filter.
func dilate3(src []uint8, w, h int) []uint8 {
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var m uint8
			for dy := -1; dy <= 1 && m < 255; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					if v := src[ny*w+nx]; v > m {
						m = v
					}
				}
			}
			out[y*w+x] = m
		}
	}
	return out
}
