package types

import (
	"image"
)

// Frame is a single decoded video frame. It is never mutated once read.
type Frame struct {
	Number    int
	Timestamp float64 // seconds
	Image     *image.RGBA
}

// Box is a pixel-space bounding box returned by a face or object provider.
type Box struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
	Score float64 `json:"score"`
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// ObjectMask is a segmented object. Mask is Box.W*Box.H bytes (row-major, 0 = background);
// a nil mask means the whole box belongs to the object.
type ObjectMask struct {
	Box  Box     `json:"box"`
	Mask []uint8 `json:"-"`
}

// ROI is a candidate crop rectangle in frame pixel coordinates.
type ROI struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Rect converts the ROI to an image.Rectangle.
func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Center returns the integer center of the ROI.
func (r ROI) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// SaliencyStats summarizes one saliency map.
type SaliencyStats struct {
	Min          int     `json:"min"`
	Max          int     `json:"max"`
	Mean         float64 `json:"mean"`
	Std          float64 `json:"std"`
	NonZeroCount int     `json:"nonzero_count"`
}
