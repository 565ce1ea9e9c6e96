package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/reframer/internal/types"
	"github.com/andresmejia3/reframer/internal/utils" // Using the SafeCommand wrapper
)

// Request kinds understood by provider processes.
const (
	KindFaces   byte = 'F'
	KindObjects byte = 'O'
)

// maxMessage guards against garbage length headers from a crashed child.
const maxMessage = 256 * 1024 * 1024

// Config describes how to launch and talk to a provider process.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// ProcessWorker is an external face or object provider speaking a length-prefixed
// protocol: requests go over stdin, replies come back over FD 3.
type ProcessWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewProcessWorker starts the provider command.
func NewProcessWorker(ctx context.Context, id int, cfg Config) (*ProcessWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("provider command is empty")
	}
	proc := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ProcessWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed message and waits for the reply.
func (w *ProcessWorker) Communicate(data []byte) ([]byte, error) {
	if w.ReadTimeout <= 0 {
		return w.roundTrip(data)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.roundTrip(data)
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		return r.body, r.err
	case <-time.After(w.ReadTimeout):
		// The reply stream is now out of sync, so the process cannot be reused.
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, w.ReadTimeout)
	}
}

func (w *ProcessWorker) roundTrip(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a provider that crashed on startup
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// EncodeRequest builds [kind][width][height][RGBA pixels].
func EncodeRequest(kind byte, img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	buf := bytes.NewBuffer(make([]byte, 0, 9+w*h*4))
	buf.WriteByte(kind)
	binary.Write(buf, binary.BigEndian, uint32(w))
	binary.Write(buf, binary.BigEndian, uint32(h))
	if img.Stride == w*4 {
		buf.Write(img.Pix[:w*h*4])
	} else {
		for y := 0; y < h; y++ {
			buf.Write(img.Pix[y*img.Stride : y*img.Stride+w*4])
		}
	}
	return buf.Bytes()
}

// Detect runs one request of the given kind and decodes the reply.
func (w *ProcessWorker) Detect(kind byte, img *image.RGBA) ([]types.ObjectMask, error) {
	resp, err := w.Communicate(EncodeRequest(kind, img))
	if err != nil {
		return nil, err
	}
	return DecodeReply(resp)
}

// DecodeReply parses
// [Status:0][Count] Count x ([Box int32 x4][Score float32][MaskLen][Mask])
// or [Status:1][MsgLen][Msg].
func DecodeReply(resp []byte) ([]types.ObjectMask, error) {
	reader := bytes.NewReader(resp)

	status, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	if status == 1 {
		var msgLen uint32
		if err := binary.Read(reader, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("failed to read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(reader, msg); err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		return nil, fmt.Errorf("provider error: %s", string(msg))
	}
	if status != 0 {
		return nil, fmt.Errorf("unknown reply status %d", status)
	}

	var count uint32
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read count: %w", err)
	}

	out := make([]types.ObjectMask, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(reader, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("failed to read box %d: %w", i, err)
		}
		var score float32
		if err := binary.Read(reader, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("failed to read score %d: %w", i, err)
		}
		var maskLen uint32
		if err := binary.Read(reader, binary.BigEndian, &maskLen); err != nil {
			return nil, fmt.Errorf("failed to read mask length %d: %w", i, err)
		}
		if int64(maskLen) > int64(reader.Len()) {
			return nil, fmt.Errorf("mask %d claims %d bytes, %d left", i, maskLen, reader.Len())
		}
		var mask []uint8
		if maskLen > 0 {
			mask = make([]uint8, maskLen)
			io.ReadFull(reader, mask)
		}
		out = append(out, types.ObjectMask{
			Box:  types.Box{X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3]), Score: float64(score)},
			Mask: mask,
		})
	}
	return out, nil
}

// Close shuts the provider down and waits for it to exit.
func (w *ProcessWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
