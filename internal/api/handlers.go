package api

import (
	"errors"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ReframeRequest is the body of POST /api/reframe.
type ReframeRequest struct {
	VideoPath       string   `json:"video_path"`
	VideoID         string   `json:"video_id"`
	OutputPath      string   `json:"output_path"`
	AspectRatio     string   `json:"aspect_ratio"`
	SmoothingFactor *float64 `json:"smoothing_factor"`
	MaxMovement     *float64 `json:"max_movement"`
	Reencode        *bool    `json:"reencode"`
}

// JobStatus is the body of GET /api/jobs/:id.
type JobStatus struct {
	JobID      string      `json:"job_id"`
	Status     jobs.Status `json:"status"`
	Progress   int         `json:"progress"`
	Stage      string      `json:"stage,omitempty"`
	Error      string      `json:"error,omitempty"`
	Completed  bool        `json:"completed"`
	OutputPath string      `json:"output_path,omitempty"`
	FileSize   int64       `json:"file_size,omitempty"`
}

func statusOf(j jobs.Job) JobStatus {
	return JobStatus{
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		Stage:      j.Stage,
		Error:      j.Error,
		Completed:  j.Status == jobs.StatusCompleted,
		OutputPath: j.OutputPath,
		FileSize:   j.FileSize,
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"active_jobs": s.jobs.Active(),
	})
}

func (s *Server) handleReframe(c *fiber.Ctx) error {
	var req ReframeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.VideoPath == "" {
		return fiber.NewError(fiber.StatusBadRequest, "video_path is required")
	}
	aspect := roi.Portrait
	if req.AspectRatio != "" {
		a, err := roi.ParseAspect(req.AspectRatio)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		aspect = a
	}

	id, err := s.jobs.Submit(jobs.Request{
		VideoPath:       req.VideoPath,
		VideoID:         req.VideoID,
		OutputPath:      req.OutputPath,
		Aspect:          aspect,
		SmoothingFactor: req.SmoothingFactor,
		MaxMovement:     req.MaxMovement,
		Reencode:        req.Reencode,
	})
	if errors.Is(err, jobs.ErrClosed) {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": id,
		"status": jobs.StatusProcessing,
	})
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	list := s.jobs.List()
	out := make([]JobStatus, len(list))
	for i, j := range list {
		out[i] = statusOf(j)
	}
	return c.JSON(fiber.Map{"jobs": out})
}

func (s *Server) handleJobStatus(c *fiber.Ctx) error {
	j, err := s.jobs.Status(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.JSON(statusOf(j))
}

func (s *Server) handleJobResult(c *fiber.Ctx) error {
	out, err := s.jobs.Result(c.Params("id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrNotReady):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return c.Download(out.Path)
}

func (s *Server) handleAnalysis(c *fiber.Ctx) error {
	if s.documents == nil {
		return fiber.NewError(fiber.StatusNotFound, "analysis storage not configured")
	}
	doc, err := s.documents.LoadDocument(c.Params("video_id"))
	if errors.Is(err, analysis.ErrInvalidVideoID) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if errors.Is(err, analysis.ErrNoAnalysis) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

// handleJobWS sends the current state, then every event until the job ends or
// the client goes away.
func (s *Server) handleJobWS(c *websocket.Conn) {
	id := c.Params("id")

	// Subscribe first so no transition between the snapshot and the stream is lost.
	events, cancel := s.jobs.Subscribe(id)
	defer cancel()

	j, err := s.jobs.Status(id)
	if err != nil {
		c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}

	if err := c.WriteJSON(statusOf(j)); err != nil || j.Terminal() {
		return
	}

	// Detect client disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
			if ev.Status != jobs.StatusProcessing {
				return
			}
		}
	}
}
