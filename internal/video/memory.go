package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/reframer/internal/types"
)

// MemorySource replays in-memory images as a video. Every Next returns a private copy.
type MemorySource struct {
	info   Info
	images []*image.RGBA
	next   int
}

// NewMemorySource builds a source from same-sized images.
func NewMemorySource(fps float64, images []*image.RGBA) *MemorySource {
	info := Info{FPS: fps, TotalFrames: len(images)}
	if len(images) > 0 {
		info.Width, info.Height = images[0].Rect.Dx(), images[0].Rect.Dy()
	}
	if fps > 0 {
		info.Duration = float64(len(images)) / fps
	}
	return &MemorySource{info: info, images: images}
}

func (s *MemorySource) Info() Info { return s.info }

func (s *MemorySource) Next() (types.Frame, error) {
	if s.next >= len(s.images) {
		return types.Frame{}, io.EOF
	}
	src := s.images[s.next]
	img := image.NewRGBA(src.Rect)
	copy(img.Pix, src.Pix)
	f := types.Frame{Number: s.next, Image: img}
	if s.info.FPS > 0 {
		f.Timestamp = float64(s.next) / s.info.FPS
	}
	s.next++
	return f, nil
}

func (s *MemorySource) Close() error { return nil }

// MemoryOpener returns an OpenFunc serving the same images for every open.
func MemoryOpener(fps float64, images []*image.RGBA) OpenFunc {
	return func(ctx context.Context, path string) (Source, error) {
		return NewMemorySource(fps, images), nil
	}
}

// MemorySink collects written frames.
type MemorySink struct {
	mu            sync.Mutex
	Width, Height int
	Frames        []*image.RGBA
	Closed        bool
}

func (s *MemorySink) Write(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return fmt.Errorf("write to closed sink")
	}
	if img.Rect.Dx() != s.Width || img.Rect.Dy() != s.Height {
		return fmt.Errorf("frame is %dx%d, sink expects %dx%d", img.Rect.Dx(), img.Rect.Dy(), s.Width, s.Height)
	}
	cp := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	copy(cp.Pix, img.Pix)
	s.Frames = append(s.Frames, cp)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// MemorySinks is a CreateFunc recording every sink it creates by path.
type MemorySinks struct {
	mu    sync.Mutex
	Sinks map[string]*MemorySink
}

// Create implements CreateFunc.
func (m *MemorySinks) Create(ctx context.Context, path string, width, height int, fps float64) (Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sinks == nil {
		m.Sinks = make(map[string]*MemorySink)
	}
	s := &MemorySink{Width: width, Height: height}
	m.Sinks[path] = s
	return s, nil
}

// Get returns the sink created for path.
func (m *MemorySinks) Get(path string) *MemorySink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sinks[path]
}
