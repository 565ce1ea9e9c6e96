package reframe

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Rect converts the crop to an image.Rectangle.
func (c Crop) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.W, c.Y+c.H)
}

// CropFrame extracts c from src into a new outW x outH image, resampling when the
// crop size differs from the output size.
func CropFrame(src *image.RGBA, c Crop, outW, outH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	CropInto(dst, src, c)
	return dst
}

// CropInto is CropFrame writing into a caller-owned destination.
func CropInto(dst, src *image.RGBA, c Crop) {
	r := c.Rect().Add(src.Rect.Min).Intersect(src.Rect)
	if r.Empty() {
		return
	}
	if r.Dx() == dst.Rect.Dx() && r.Dy() == dst.Rect.Dy() {
		draw.Draw(dst, dst.Rect, src, r.Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, r, draw.Src, nil)
}

// Movement summarizes how far the crop travels between consecutive frames.
type Movement struct {
	Average    float64 `json:"avg_movement"`
	Max        float64 `json:"max_movement"`
	Min        float64 `json:"min_movement"`
	LargeJumps int     `json:"frames_over_10px"`
}

// largeJump is the displacement counted as a noticeable camera jump.
const largeJump = 10

// AnalyzeMovement reports the Euclidean displacement of the crop origin per frame.
func AnalyzeMovement(crops []Crop) Movement {
	if len(crops) < 2 {
		return Movement{}
	}
	m := Movement{Min: math.Inf(1)}
	var sum float64
	for i := 1; i < len(crops); i++ {
		dx := float64(crops[i].X - crops[i-1].X)
		dy := float64(crops[i].Y - crops[i-1].Y)
		d := math.Hypot(dx, dy)
		sum += d
		m.Max = math.Max(m.Max, d)
		m.Min = math.Min(m.Min, d)
		if d > largeJump {
			m.LargeJumps++
		}
	}
	m.Average = sum / float64(len(crops)-1)
	return m
}
