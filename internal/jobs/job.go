// Package jobs runs reframe requests asynchronously and tracks their progress.
package jobs

import (
	"errors"
	"time"

	"github.com/andresmejia3/reframer/internal/roi"
)

type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrNotReady = errors.New("job not finished")
	ErrClosed   = errors.New("job manager closed")
)

// Request describes one reframe job.
type Request struct {
	VideoPath       string     `json:"video_path"`
	VideoID         string     `json:"video_id,omitempty"`
	OutputPath      string     `json:"output_path,omitempty"`
	Aspect          roi.Aspect `json:"aspect_ratio"`
	SmoothingFactor *float64   `json:"smoothing_factor,omitempty"`
	MaxMovement     *float64   `json:"max_movement,omitempty"`
	Reencode        *bool      `json:"reencode,omitempty"`
}

// Job is a snapshot of a job's state. Values returned by the manager are copies.
type Job struct {
	ID         string     `json:"job_id"`
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Stage      string     `json:"stage,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	FileSize   int64      `json:"file_size,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusError
}

// Event is a progress notification.
type Event struct {
	JobID    string    `json:"job_id"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Stage    string    `json:"stage,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

func eventOf(j Job, now time.Time) Event {
	return Event{JobID: j.ID, Status: j.Status, Progress: j.Progress, Stage: j.Stage, Error: j.Error, Time: now}
}
