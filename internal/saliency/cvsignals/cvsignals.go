// Package cvsignals implements the saliency signal backend on top of OpenCV.
package cvsignals

import (
	"fmt"
	"image"

	"github.com/andresmejia3/reframer/internal/saliency"
	"gocv.io/x/gocv"
)

// Backend computes edges and color contrast with gocv.
type Backend struct{}

// New returns the OpenCV backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "opencv" }

// Edges runs Canny with brightness-adaptive thresholds followed by a 3x3 dilation.
func (b *Backend) Edges(img *image.RGBA, withGradient bool) (*saliency.Grid, error) {
	src, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)

	low, high := saliency.CannyThresholds(gray.Mean().Val1)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, float32(low), float32(high))

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(edges, &dilated, kernel)

	out := gocv.NewMat()
	defer out.Close()
	dilated.ConvertTo(&out, gocv.MatTypeCV32F)

	if withGradient {
		gx, gy := gocv.NewMat(), gocv.NewMat()
		defer gx.Close()
		defer gy.Close()
		gocv.Sobel(gray, &gx, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
		gocv.Sobel(gray, &gy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)

		mag := gocv.NewMat()
		defer mag.Close()
		gocv.Magnitude(gx, gy, &mag)

		_, maxVal, _, _ := gocv.MinMaxLoc(mag)
		if maxVal > 0 {
			mag.MultiplyFloat(255 / maxVal)
		}
		blended := gocv.NewMat()
		defer blended.Close()
		gocv.AddWeighted(out, 0.5, mag, 0.5, 0, &blended)
		return toGrid(blended)
	}
	return toGrid(out)
}

// ColorContrast averages |c - box15(c)| over the L, a and b channels.
func (b *Backend) ColorContrast(img *image.RGBA, kernel int) (*saliency.Grid, error) {
	src, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(src, &bgr, gocv.ColorRGBAToBGR)

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	acc := gocv.NewMatWithSize(lab.Rows(), lab.Cols(), gocv.MatTypeCV32F)
	defer acc.Close()

	for _, c := range channels {
		f := gocv.NewMat()
		c.ConvertTo(&f, gocv.MatTypeCV32F)

		mean := gocv.NewMat()
		gocv.Blur(f, &mean, image.Pt(kernel, kernel))

		diff := gocv.NewMat()
		gocv.AbsDiff(f, mean, &diff)
		gocv.Add(acc, diff, &acc)

		f.Close()
		mean.Close()
		diff.Close()
	}
	acc.DivideFloat(float32(len(channels)))
	return toGrid(acc)
}

func toGrid(m gocv.Mat) (*saliency.Grid, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read signal: %w", err)
	}
	g := saliency.NewGrid(m.Cols(), m.Rows())
	copy(g.Pix, data)
	return g, nil
}
