package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/andresmejia3/reframer/internal/roi"
	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testDocument(id string) *analysis.Document {
	return &analysis.Document{
		VideoID: id,
		Metadata: analysis.Metadata{
			VideoInfo: utils.VideoInfo{Width: 1920, Height: 1080, FPS: 30, TotalFrames: 90, Duration: 3},
			AnalysisParams: analysis.Params{
				SampleRate:  30,
				AspectRatio: roi.Portrait,
				ROICount:    3,
				Strategy:    "hybrid",
			},
			ProcessingStats: analysis.Stats{TotalFramesAnalyzed: 3, ProcessingTime: 1.5, FailedFrames: 1},
		},
		Frames: []analysis.FrameRecord{
			{
				FrameNumber:   0,
				SaliencyStats: &types.SaliencyStats{Max: 255, Mean: 40.5},
				ROISuggestions: []types.ROI{
					{X: 10, Y: 0, Width: 486, Height: 864, Score: 0.4, Method: "saliency_peak"},
					{X: 700, Y: 100, Width: 486, Height: 864, Score: 0.9, Method: "saliency_peak"},
				},
			},
			{FrameNumber: 30, Timestamp: 1, Error: "decoder glitch"},
			{
				FrameNumber:   60,
				Timestamp:     2,
				SaliencyStats: &types.SaliencyStats{Max: 200, Mean: 12},
				ROISuggestions: []types.ROI{
					{X: 717, Y: 108, Width: 486, Height: 864, Score: 0.5, Method: "center_fallback"},
				},
			},
		},
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("reframer_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Analyses ---

	if err := s.SaveAnalysis(ctx, "/videos/a.mp4", testDocument("vid-a")); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}
	// Re-saving replaces the frame rows instead of violating the unique constraint.
	if err := s.SaveAnalysis(ctx, "/videos/a.mp4", testDocument("vid-a")); err != nil {
		t.Fatalf("SaveAnalysis (second run) failed: %v", err)
	}

	list, err := s.ListAnalyses(ctx)
	if err != nil {
		t.Fatalf("ListAnalyses failed: %v", err)
	}
	if len(list) != 1 || list[0].VideoID != "vid-a" || list[0].AspectRatio != "9:16" || list[0].FailedFrames != 1 {
		t.Errorf("unexpected analyses %+v", list)
	}

	frames, err := s.FrameRecords(ctx, "vid-a")
	if err != nil {
		t.Fatalf("FrameRecords failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frame rows, got %d", len(frames))
	}
	if f := frames[0]; f.BestX == nil || *f.BestX != 700 || f.ROICount != 2 || f.Error != nil {
		t.Errorf("frame 0 should index the best ROI, got %+v", f)
	}
	if f := frames[1]; f.Error == nil || *f.Error != "decoder glitch" || f.Mean != nil || f.BestScore != nil {
		t.Errorf("failed frame should have only an error, got %+v", f)
	}

	if _, err := s.FrameRecords(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// --- Jobs ---

	created := time.Now().UTC().Truncate(time.Millisecond)
	job := jobs.Job{
		ID:        "job-1",
		Request:   jobs.Request{VideoPath: "/videos/a.mp4", Aspect: roi.Portrait},
		Status:    jobs.StatusProcessing,
		CreatedAt: created,
	}
	if err := s.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}
	finished := created.Add(time.Minute)
	job.Status, job.Progress, job.OutputPath, job.FileSize, job.FinishedAt = jobs.StatusCompleted, 100, "/out/a.mp4", 2048, &finished
	if err := s.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob (update) failed: %v", err)
	}

	recorded, err := s.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected 1 job, got %d", len(recorded))
	}
	got := recorded[0]
	if got.Status != jobs.StatusCompleted || got.Progress != 100 || got.OutputPath != "/out/a.mp4" || got.FileSize != 2048 {
		t.Errorf("unexpected job row %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListAnalyses(ctx); err == nil {
		t.Error("expected query to fail after Reset dropped the tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
