// Package video streams raw RGBA frames in and out of ffmpeg.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/utils"
)

const megabyte = 1024 * 1024

// Info describes a source video.
type Info = utils.VideoInfo

// Source yields frames in order. Next returns io.EOF after the last frame.
type Source interface {
	Info() Info
	Next() (types.Frame, error)
	Close() error
}

// Sink consumes frames of a fixed size.
type Sink interface {
	Write(img *image.RGBA) error
	Close() error
}

// OpenFunc opens a source for a path. Pipelines take one so tests can substitute memory sources.
type OpenFunc func(ctx context.Context, path string) (Source, error)

// CreateFunc creates a sink of the given size.
type CreateFunc func(ctx context.Context, path string, width, height int, fps float64) (Sink, error)

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Release hands a frame's pixel buffer back to the decoder pool. The frame must not be used afterwards.
func Release(f types.Frame) {
	if f.Image != nil {
		frameBufferPool.Put(f.Image.Pix[:0])
	}
}

// FFmpegSource decodes a file through an ffmpeg rawvideo pipe.
type FFmpegSource struct {
	info     Info
	cmd      *utils.SafeCommand
	out      io.ReadCloser
	first    int // absolute number of the first decoded frame
	next     int
	waitOnce sync.Once
	waitErr  error
}

// Range limits decoding to a time window in seconds. Zero values mean the whole video.
type Range struct {
	Start    float64
	Duration float64
}

// OpenFFmpeg probes the file and starts the decoder.
func OpenFFmpeg(ctx context.Context, path string, r Range) (*FFmpegSource, error) {
	info, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.TotalFrames <= 0 {
		info.TotalFrames = utils.GetTotalFrames(ctx, path)
	}
	if r.Start > 0 || r.Duration > 0 {
		remaining := info.Duration - r.Start
		if r.Duration > 0 && (remaining <= 0 || r.Duration < remaining) {
			remaining = r.Duration
		}
		if remaining > 0 {
			info.Duration = remaining
			info.TotalFrames = int(remaining * info.FPS)
		}
	}

	cmd := utils.NewFFmpegRawDecoder(ctx, path, r.Start, r.Duration)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return &FFmpegSource{info: info, cmd: cmd, out: out, first: StartFrame(r.Start, info.FPS)}, nil
}

// StartFrame is the absolute number of the first frame decoded from start seconds.
func StartFrame(start, fps float64) int {
	if start <= 0 || fps <= 0 {
		return 0
	}
	return int(math.Round(start * fps))
}

// Open is an OpenFunc decoding the whole file.
func Open(ctx context.Context, path string) (Source, error) {
	return OpenFFmpeg(ctx, path, Range{})
}

func (s *FFmpegSource) Info() Info { return s.info }

// Next reads one frame into a pooled buffer. Frame numbers and timestamps are
// absolute positions in the file, also for a ranged decode. A decoder that
// exits with an error surfaces here instead of io.EOF.
func (s *FFmpegSource) Next() (types.Frame, error) {
	frameSize := s.info.Width * s.info.Height * 4
	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < frameSize {
		buf = make([]byte, frameSize)
	}
	buf = buf[:frameSize]

	if _, err := io.ReadFull(s.out, buf); err != nil {
		frameBufferPool.Put(buf[:0])
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			if werr := s.wait(false); werr != nil {
				return types.Frame{}, werr
			}
			return types.Frame{}, io.EOF
		}
		return types.Frame{}, err
	}

	n := s.first + s.next
	f := types.Frame{
		Number:    n,
		Timestamp: float64(n) / s.info.FPS,
		Image: &image.RGBA{
			Pix:    buf,
			Stride: s.info.Width * 4,
			Rect:   image.Rect(0, 0, s.info.Width, s.info.Height),
		},
	}
	s.next++
	return f, nil
}

// Command exposes the decoder process for error reporting.
func (s *FFmpegSource) Command() *utils.SafeCommand { return s.cmd }

// Close stops the decoder. Stopping before the end of the stream is not an
// error, but a decoder failure already seen at the end of the stream is
// reported again.
func (s *FFmpegSource) Close() error {
	return s.wait(true)
}

func (s *FFmpegSource) wait(stopped bool) error {
	s.waitOnce.Do(func() {
		s.out.Close()
		if err := s.cmd.Wait(); err != nil && !stopped {
			s.waitErr = fmt.Errorf("decoder failed: %w: %s", err, s.cmd.Stderr.String())
		}
	})
	return s.waitErr
}

// FFmpegSink encodes frames to an H.264 file.
type FFmpegSink struct {
	cmd           *utils.SafeCommand
	in            io.WriteCloser
	width, height int
}

// CreateFFmpeg starts an encoder writing to path.
func CreateFFmpeg(ctx context.Context, path string, width, height int, fps float64) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	cmd := utils.NewFFmpegEncoder(ctx, path, fps, width, height)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &FFmpegSink{cmd: cmd, in: in, width: width, height: height}, nil
}

func (s *FFmpegSink) Write(img *image.RGBA) error {
	if img.Rect.Dx() != s.width || img.Rect.Dy() != s.height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", img.Rect.Dx(), img.Rect.Dy(), s.width, s.height)
	}
	if img.Stride == s.width*4 {
		_, err := s.in.Write(img.Pix[:s.width*s.height*4])
		return err
	}
	for y := 0; y < s.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+s.width*4]
		if _, err := s.in.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the encoder and waits for it to finish the file.
func (s *FFmpegSink) Close() error {
	s.in.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed: %w: %s", err, s.cmd.Stderr.String())
	}
	return nil
}

// Reencode rewrites path in place as web-friendly H.264, giving up after timeout.
func Reencode(ctx context.Context, path string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tmp := path + ".reencode.mp4"
	cmd := utils.NewFFmpegReencoder(ctx, path, tmp)
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("re-encode timed out after %s", timeout)
		}
		return fmt.Errorf("re-encode failed: %w: %s", err, cmd.Stderr.String())
	}
	return os.Rename(tmp, path)
}
