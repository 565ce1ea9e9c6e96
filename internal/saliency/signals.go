package saliency

import (
	"math"

	"github.com/andresmejia3/reframer/internal/types"
)

// faceRadiusScale widens each face's ellipse beyond its half-box.
const faceRadiusScale = 1.5

// CenterBias is a radial falloff 1-d around the frame center, reaching zero at min(w,h)/3.
func CenterBias(w, h int) *Grid {
	g := NewGrid(w, h)
	cx, cy := w/2, h/2
	radius := min(w, h) / 3
	if radius < 1 {
		radius = 1
	}
	r := float64(radius)
	for y := 0; y < h; y++ {
		dy := float64(y - cy)
		for x := 0; x < w; x++ {
			dx := float64(x - cx)
			d := math.Sqrt(dx*dx+dy*dy) / r
			if d < 1 {
				g.Pix[y*w+x] = float32(1 - d)
			}
		}
	}
	return g
}

// FaceProximity draws an elliptical 1-d falloff around every face, max-combined.
func FaceProximity(w, h int, faces []types.Box) *Grid {
	g := NewGrid(w, h)
	for _, f := range faces {
		if f.W <= 0 || f.H <= 0 {
			continue
		}
		cx, cy := f.X+f.W/2, f.Y+f.H/2
		rx := int(float64(f.W/2) * faceRadiusScale)
		ry := int(float64(f.H/2) * faceRadiusScale)
		if rx < 1 || ry < 1 {
			continue
		}
		y0, y1 := max(0, cy-ry), min(h, cy+ry)
		x0, x1 := max(0, cx-rx), min(w, cx+rx)
		for y := y0; y < y1; y++ {
			dy := float64(y-cy) / float64(ry)
			for x := x0; x < x1; x++ {
				dx := float64(x-cx) / float64(rx)
				d := math.Sqrt(dx*dx + dy*dy)
				if d > 1 {
					continue
				}
				v := float32(1 - d)
				if v > g.Pix[y*w+x] {
					g.Pix[y*w+x] = v
				}
			}
		}
	}
	return g
}

// ObjectPresence paints each mask with its score, max-combined. A nil mask covers the whole box.
func ObjectPresence(w, h int, objects []types.ObjectMask) *Grid {
	g := NewGrid(w, h)
	for _, o := range objects {
		b := o.Box
		if b.W <= 0 || b.H <= 0 {
			continue
		}
		score := float32(b.Score)
		if score <= 0 {
			score = 1
		}
		hasMask := len(o.Mask) == b.W*b.H
		for my := 0; my < b.H; my++ {
			y := b.Y + my
			if y < 0 || y >= h {
				continue
			}
			for mx := 0; mx < b.W; mx++ {
				x := b.X + mx
				if x < 0 || x >= w {
					continue
				}
				if hasMask && o.Mask[my*b.W+mx] == 0 {
					continue
				}
				if score > g.Pix[y*w+x] {
					g.Pix[y*w+x] = score
				}
			}
		}
	}
	return g
}
