// Package detect connects the analyzer to face detectors and object segmenters.
package detect

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/worker"
	"github.com/rs/zerolog"
)

// FaceProvider finds faces in a frame.
type FaceProvider interface {
	Name() string
	DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error)
	Close() error
}

// ObjectProvider segments salient objects in a frame.
type ObjectProvider interface {
	Name() string
	Segment(ctx context.Context, img *image.RGBA) ([]types.ObjectMask, error)
	Close() error
}

// Backend names.
const (
	BackendNone    = "none"
	BackendYuNet   = "yunet"
	BackendProcess = "process"
)

// Config selects and tunes a provider backend.
type Config struct {
	Backend    string
	ModelPath  string
	Confidence float64
	Command    []string
	Timeout    time.Duration
}

// DefaultConfig returns a disabled provider.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendNone,
		Confidence: 0.5,
		Timeout:    30 * time.Second,
	}
}

// NewFaceProvider resolves the configured face backend. "none" returns nil.
func NewFaceProvider(ctx context.Context, cfg Config, logger zerolog.Logger) (FaceProvider, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendYuNet:
		return NewYuNet(cfg)
	case BackendProcess:
		p, err := newProcess(ctx, "faces", worker.KindFaces, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &processFaces{p}, nil
	}
	return nil, fmt.Errorf("unknown face backend %q (want none, yunet or process)", cfg.Backend)
}

// NewObjectProvider resolves the configured object backend. "none" returns nil.
func NewObjectProvider(ctx context.Context, cfg Config, logger zerolog.Logger) (ObjectProvider, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendProcess:
		p, err := newProcess(ctx, "objects", worker.KindObjects, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &processObjects{p}, nil
	}
	return nil, fmt.Errorf("unknown object backend %q (want none or process)", cfg.Backend)
}

// process serializes requests to one provider process.
type process struct {
	name   string
	kind   byte
	mu     sync.Mutex
	w      *worker.ProcessWorker
	logger zerolog.Logger
}

func newProcess(ctx context.Context, name string, kind byte, cfg Config, logger zerolog.Logger) (*process, error) {
	w, err := worker.NewProcessWorker(ctx, 0, worker.Config{Command: cfg.Command, ReadTimeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("start %s provider: %w", name, err)
	}
	return &process{
		name:   name,
		kind:   kind,
		w:      w,
		logger: logger.With().Str("component", "detect").Str("provider", name).Logger(),
	}, nil
}

func (p *process) detect(ctx context.Context, img *image.RGBA) ([]types.ObjectMask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.w.Detect(p.kind, img)
	if err != nil {
		p.logger.Warn().Err(err).Str("stderr", p.w.Cmd.Stderr.String()).Msg("provider request failed")
		return nil, err
	}
	return res, nil
}

func (p *process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Close()
}

type processFaces struct{ *process }

func (p *processFaces) Name() string { return "process-faces" }

func (p *processFaces) DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	res, err := p.detect(ctx, img)
	if err != nil {
		return nil, err
	}
	boxes := make([]types.Box, len(res))
	for i, r := range res {
		boxes[i] = r.Box
	}
	return boxes, nil
}

type processObjects struct{ *process }

func (p *processObjects) Name() string { return "process-objects" }

func (p *processObjects) Segment(ctx context.Context, img *image.RGBA) ([]types.ObjectMask, error) {
	return p.detect(ctx, img)
}

// Static returns fixed detections for every frame. Useful for tests and replaying
// detections computed elsewhere.
type Static struct {
	Faces   []types.Box
	Objects []types.ObjectMask
	Err     error
}

func (s *Static) Name() string { return "static" }

func (s *Static) DetectFaces(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	return s.Faces, s.Err
}

func (s *Static) Segment(ctx context.Context, img *image.RGBA) ([]types.ObjectMask, error) {
	return s.Objects, s.Err
}

func (s *Static) Close() error { return nil }
