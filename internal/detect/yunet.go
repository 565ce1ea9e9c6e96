package detect

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/andresmejia3/reframer/internal/types"
	"gocv.io/x/gocv"
)

// YuNetDetector uses OpenCV's FaceDetectorYN for face detection
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	config   Config
	mu       sync.Mutex // Protects inference
}

// NewYuNet creates a new YuNet face detector using GoCV's built-in FaceDetectorYN
func NewYuNet(cfg Config) (*YuNetDetector, error) {
	// Check if model file exists first
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	// Input size is updated per frame
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(320, 320),
		float32(cfg.Confidence),
		0.3,  // NMS threshold
		5000, // Top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNetDetector{
		detector: detector,
		config:   cfg,
	}, nil
}

func (d *YuNetDetector) Name() string { return BackendYuNet }

// DetectFaces returns pixel-space face boxes.
func (d *YuNetDetector) DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rgba, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer rgba.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.detector.SetInputSize(image.Pt(bgr.Cols(), bgr.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(bgr, &faces)

	var boxes []types.Box
	for r := 0; r < faces.Rows(); r++ {
		// YuNet output format (15 columns):
		// 0-3: x, y, w, h (bounding box in pixels)
		// 4-13: 5 facial landmarks (x,y pairs)
		// 14: face score
		boxes = append(boxes, types.Box{
			X:     int(faces.GetFloatAt(r, 0)),
			Y:     int(faces.GetFloatAt(r, 1)),
			W:     int(faces.GetFloatAt(r, 2)),
			H:     int(faces.GetFloatAt(r, 3)),
			Score: float64(faces.GetFloatAt(r, 14)),
		})
	}
	return boxes, nil
}

// Close releases the detector resources
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
