// Package store indexes analyses and reframe jobs in PostgreSQL so they can be
// queried across runs. The analysis documents themselves live on disk.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/jobs"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a video has no indexed analysis.
var ErrNotFound = errors.New("analysis not indexed")

type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// AnalysisSummary is one row of the analyses index.
type AnalysisSummary struct {
	VideoID        string
	Path           string
	Strategy       string
	SampleRate     int
	AspectRatio    string
	FramesAnalyzed int
	FailedFrames   int
	ProcessingTime float64
	CreatedAt      time.Time
}

// FrameRow is the indexed projection of one analyzed frame.
type FrameRow struct {
	FrameNumber int
	Timestamp   float64
	Mean        *float64
	Max         *int
	ROICount    int
	BestX       *int
	BestY       *int
	BestWidth   *int
	BestHeight  *int
	BestScore   *float64
	Error       *string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_frames INT NOT NULL DEFAULT 0,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS analyses (
			video_id TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
			strategy TEXT NOT NULL,
			sample_rate INT NOT NULL,
			aspect_ratio TEXT NOT NULL,
			frames_analyzed INT NOT NULL,
			failed_frames INT NOT NULL,
			processing_time DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS frame_records (
			id BIGSERIAL PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
			frame_number INT NOT NULL,
			timestamp DOUBLE PRECISION NOT NULL,
			mean_saliency DOUBLE PRECISION,
			max_saliency INT,
			roi_count INT NOT NULL,
			best_x INT,
			best_y INT,
			best_width INT,
			best_height INT,
			best_score DOUBLE PRECISION,
			error TEXT,
			UNIQUE (video_id, frame_number)
		);
		CREATE TABLE IF NOT EXISTS reframe_jobs (
			id TEXT PRIMARY KEY,
			video_path TEXT NOT NULL,
			aspect_ratio TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INT NOT NULL,
			output_path TEXT,
			file_size BIGINT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS frame_records_video_id_idx ON frame_records (video_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string, info utils.VideoInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, upsertVideo, videoID, path, info.Width, info.Height, info.FPS, info.TotalFrames, info.Duration)
	return err
}

const upsertVideo = `
	INSERT INTO videos (id, path, width, height, fps, total_frames, duration, indexed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (id) DO UPDATE SET
		indexed_at = NOW(),
		path = EXCLUDED.path,
		width = EXCLUDED.width,
		height = EXCLUDED.height,
		fps = EXCLUDED.fps,
		total_frames = EXCLUDED.total_frames,
		duration = EXCLUDED.duration
`

// SaveAnalysis indexes a document, replacing any earlier analysis of the same video.
// path is the source file the document was computed from.
func (s *Store) SaveAnalysis(ctx context.Context, path string, doc *analysis.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	info := doc.Metadata.VideoInfo
	if _, err := tx.Exec(ctx, upsertVideo, doc.VideoID, path, info.Width, info.Height, info.FPS, info.TotalFrames, info.Duration); err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}

	p, st := doc.Metadata.AnalysisParams, doc.Metadata.ProcessingStats
	_, err = tx.Exec(ctx, `
		INSERT INTO analyses (video_id, strategy, sample_rate, aspect_ratio, frames_analyzed, failed_frames, processing_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (video_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			sample_rate = EXCLUDED.sample_rate,
			aspect_ratio = EXCLUDED.aspect_ratio,
			frames_analyzed = EXCLUDED.frames_analyzed,
			failed_frames = EXCLUDED.failed_frames,
			processing_time = EXCLUDED.processing_time,
			created_at = NOW()
	`, doc.VideoID, p.Strategy, p.SampleRate, p.AspectRatio.String(), st.TotalFramesAnalyzed, st.FailedFrames, st.ProcessingTime)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM frame_records WHERE video_id = $1", doc.VideoID); err != nil {
		return err
	}

	rows := make([][]any, 0, len(doc.Frames))
	for _, r := range doc.Frames {
		rows = append(rows, frameRow(doc.VideoID, r))
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"frame_records"},
		[]string{"video_id", "frame_number", "timestamp", "mean_saliency", "max_saliency", "roi_count",
			"best_x", "best_y", "best_width", "best_height", "best_score", "error"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy frame records: %w", err)
	}

	return tx.Commit(ctx)
}

func frameRow(videoID string, r analysis.FrameRecord) []any {
	row := []any{videoID, r.FrameNumber, r.Timestamp, nil, nil, len(r.ROISuggestions), nil, nil, nil, nil, nil, nil}
	if r.SaliencyStats != nil {
		row[3] = r.SaliencyStats.Mean
		row[4] = r.SaliencyStats.Max
	}
	if best, ok := r.Best(); ok {
		row[6], row[7], row[8], row[9], row[10] = best.X, best.Y, best.Width, best.Height, best.Score
	}
	if r.Error != "" {
		row[11] = r.Error
	}
	return row
}

// ListAnalyses returns every indexed analysis, newest first.
func (s *Store) ListAnalyses(ctx context.Context) ([]AnalysisSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT a.video_id, v.path, a.strategy, a.sample_rate, a.aspect_ratio,
		       a.frames_analyzed, a.failed_frames, a.processing_time, a.created_at
		FROM analyses a JOIN videos v ON v.id = a.video_id
		ORDER BY a.created_at DESC, a.video_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisSummary
	for rows.Next() {
		var a AnalysisSummary
		if err := rows.Scan(&a.VideoID, &a.Path, &a.Strategy, &a.SampleRate, &a.AspectRatio,
			&a.FramesAnalyzed, &a.FailedFrames, &a.ProcessingTime, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FrameRecords returns the indexed frames of a video ordered by frame number.
func (s *Store) FrameRecords(ctx context.Context, videoID string) ([]FrameRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM analyses WHERE video_id = $1)", videoID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, videoID)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT frame_number, timestamp, mean_saliency, max_saliency, roi_count,
		       best_x, best_y, best_width, best_height, best_score, error
		FROM frame_records WHERE video_id = $1
		ORDER BY frame_number
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRow
	for rows.Next() {
		var r FrameRow
		if err := rows.Scan(&r.FrameNumber, &r.Timestamp, &r.Mean, &r.Max, &r.ROICount,
			&r.BestX, &r.BestY, &r.BestWidth, &r.BestHeight, &r.BestScore, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordJob upserts the job's current state.
func (s *Store) RecordJob(ctx context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO reframe_jobs (id, video_path, aspect_ratio, status, progress, output_path, file_size, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			output_path = EXCLUDED.output_path,
			file_size = EXCLUDED.file_size,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`, j.ID, j.Request.VideoPath, j.Request.Aspect.String(), string(j.Status), j.Progress,
		j.OutputPath, j.FileSize, j.Error, j.CreatedAt, j.FinishedAt)
	return err
}

// ListJobs returns recorded jobs, newest first. The request is restored only
// as far as the index keeps it.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, video_path, status, progress, COALESCE(output_path, ''), COALESCE(file_size, 0),
		       COALESCE(error, ''), created_at, finished_at
		FROM reframe_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var (
			j      jobs.Job
			status string
		)
		if err := rows.Scan(&j.ID, &j.Request.VideoPath, &status, &j.Progress, &j.OutputPath,
			&j.FileSize, &j.Error, &j.CreatedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		j.Status = jobs.Status(status)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Reset drops all tables, effectively wiping the database.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DROP TABLE IF EXISTS frame_records CASCADE;
		DROP TABLE IF EXISTS analyses CASCADE;
		DROP TABLE IF EXISTS reframe_jobs CASCADE;
		DROP TABLE IF EXISTS videos CASCADE;
	`
	_, err := s.conn.Exec(ctx, query)
	return err
}
