package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/andresmejia3/reframer/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	green  = color.RGBA{0, 255, 0, 255}
	yellow = color.RGBA{255, 255, 0, 255}
	red    = color.RGBA{255, 0, 0, 255}
	white  = color.RGBA{255, 255, 255, 255}
)

// ScoreColor bands a suggestion score.
func ScoreColor(score float64) color.RGBA {
	switch {
	case score > 0.7:
		return green
	case score > 0.4:
		return yellow
	}
	return red
}

// Overlay blends a false-color map onto a copy of frame. A map of a different
// size is sampled nearest-neighbor.
func Overlay(frame *image.RGBA, m *saliency.Map, lut *LUT, opacity float64) *image.RGBA {
	b := frame.Rect
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, frame, b.Min, draw.Src)
	if m == nil || m.W == 0 || m.H == 0 {
		return out
	}

	w, h := out.Rect.Dx(), out.Rect.Dy()
	a := uint32(opacity*256 + 0.5)
	if a > 256 {
		a = 256
	}
	inv := 256 - a
	for y := 0; y < h; y++ {
		my := y * m.H / h
		row := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			c := lut[m.Pix[my*m.W+x*m.W/w]]
			i := x * 4
			row[i] = uint8((uint32(row[i])*inv + uint32(c.R)*a) >> 8)
			row[i+1] = uint8((uint32(row[i+1])*inv + uint32(c.G)*a) >> 8)
			row[i+2] = uint8((uint32(row[i+2])*inv + uint32(c.B)*a) >> 8)
			row[i+3] = 255
		}
	}
	return out
}

// DrawROIs outlines every suggestion in its score color with a label above it.
func DrawROIs(img *image.RGBA, rois []types.ROI) {
	for i, r := range rois {
		c := ScoreColor(r.Score)
		strokeRect(img, r.Rect(), 2, c)
		drawText(img, fmt.Sprintf("ROI%d: %.2f", i+1, r.Score), r.X, r.Y-10, c)
	}
}

// DrawInfo writes frame metadata in the top-left corner.
func DrawInfo(img *image.RGBA, frame int, timestamp float64, rec *analysis.FrameRecord) {
	lines := []string{
		fmt.Sprintf("Frame: %d", frame),
		fmt.Sprintf("Time: %.2fs", timestamp),
	}
	rois := 0
	if rec != nil {
		if rec.SaliencyStats != nil {
			lines = append(lines, fmt.Sprintf("Saliency: %.1f", rec.SaliencyStats.Mean))
		}
		rois = len(rec.ROISuggestions)
	}
	lines = append(lines, fmt.Sprintf("ROIs: %d", rois))
	for i, l := range lines {
		drawText(img, l, 10, 30+30*i, white)
	}
}

func strokeRect(img *image.RGBA, r image.Rectangle, thickness int, c color.RGBA) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Rect), u, image.Point{}, draw.Src)
	}
}

// drawText places the baseline at (x, y), clipped to the image.
func drawText(img *image.RGBA, s string, x, y int, c color.RGBA) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
