// Package analysis turns a frame source into a per-frame saliency and ROI document.
package analysis

import (
	"github.com/andresmejia3/reframer/internal/reframe"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/utils"
)

// Document is the persisted result of analyzing one video.
type Document struct {
	VideoID  string        `json:"video_id"`
	Metadata Metadata      `json:"metadata"`
	Frames   []FrameRecord `json:"frames"`
}

type Metadata struct {
	VideoInfo       utils.VideoInfo `json:"video_info"`
	AnalysisParams  Params          `json:"analysis_params"`
	ProcessingStats Stats           `json:"processing_stats"`
}

// Params records how the analysis was run.
type Params struct {
	SampleRate  int        `json:"sample_rate"`
	AspectRatio roi.Aspect `json:"aspect_ratio"`
	ROICount    int        `json:"roi_count"`
	MaxFrames   int        `json:"max_frames,omitempty"`
	Strategy    string     `json:"strategy"`
	Start       float64    `json:"start,omitempty"`
	End         float64    `json:"end,omitempty"`
}

type Stats struct {
	TotalFramesAnalyzed int     `json:"total_frames_analyzed"`
	ProcessingTime      float64 `json:"processing_time"`
	FPSProcessed        float64 `json:"fps_processed"`
	FailedFrames        int     `json:"failed_frames"`
	SequentialFallback  bool    `json:"sequential_fallback,omitempty"`
}

// FrameRecord is the analysis of one sampled frame. A record with Error set has
// no stats and no suggestions.
type FrameRecord struct {
	FrameNumber    int                  `json:"frame_number"`
	Timestamp      float64              `json:"timestamp"`
	SaliencyStats  *types.SaliencyStats `json:"saliency_stats,omitempty"`
	ROISuggestions []types.ROI          `json:"roi_suggestions"`
	ProcessingTime float64              `json:"processing_time"`
	ModelVersion   string               `json:"model_version,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Best returns the highest scoring suggestion.
func (r FrameRecord) Best() (types.ROI, bool) {
	if r.Error != "" || len(r.ROISuggestions) == 0 {
		return types.ROI{}, false
	}
	best := r.ROISuggestions[0]
	for _, s := range r.ROISuggestions[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best, true
}

// Samples extracts the best ROI of every usable record as smoother input.
func (d *Document) Samples() []reframe.Sample {
	var out []reframe.Sample
	for _, r := range d.Frames {
		best, ok := r.Best()
		if !ok {
			continue
		}
		out = append(out, reframe.Sample{
			Frame: r.FrameNumber,
			Crop:  reframe.Crop{X: best.X, Y: best.Y, W: best.Width, H: best.Height},
		})
	}
	return out
}

// Nearest returns the last usable record at or before frame.
func (d *Document) Nearest(frame int) (FrameRecord, bool) {
	var (
		found FrameRecord
		ok    bool
	)
	for _, r := range d.Frames {
		if r.FrameNumber > frame {
			break
		}
		if r.Error != "" || r.SaliencyStats == nil {
			continue
		}
		found, ok = r, true
	}
	return found, ok
}

// ROISuggestions flattens all suggestions, tagged with their frame.
func (d *Document) ROISuggestions() []FrameROI {
	var out []FrameROI
	for _, r := range d.Frames {
		for _, s := range r.ROISuggestions {
			out = append(out, FrameROI{FrameNumber: r.FrameNumber, Timestamp: r.Timestamp, ROI: s})
		}
	}
	return out
}

// FrameROI is one entry of the flat roi_suggestions export.
type FrameROI struct {
	FrameNumber int     `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
	types.ROI
}
