package worker

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeReply frames a payload the way a provider does on FD 3.
func writeReply(pipe io.Writer, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestDetect(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response
	// Protocol: [Status:0] [Count:2] ([Box] [Score] [MaskLen] [Mask])...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))

	binary.Write(payload, binary.BigEndian, [4]int32{10, 12, 20, 30})
	binary.Write(payload, binary.BigEndian, float32(0.9))
	binary.Write(payload, binary.BigEndian, uint32(0))

	binary.Write(payload, binary.BigEndian, [4]int32{1, 2, 2, 2})
	binary.Write(payload, binary.BigEndian, float32(0.5))
	binary.Write(payload, binary.BigEndian, uint32(4))
	payload.Write([]byte{1, 0, 0, 1})

	writeReply(dataPipeMock, payload.Bytes())

	// 3. Create Worker with mocks injected
	w := &ProcessWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	got, err := w.Detect(KindFaces, img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify what was sent: [len][kind][w][h][pixels]
	sent := stdinMock.Bytes()
	wantLen := 4 + 1 + 8 + 3*2*4
	if len(sent) != wantLen {
		t.Errorf("Expected %d bytes sent, got %d", wantLen, len(sent))
	}
	if sent[4] != KindFaces || binary.BigEndian.Uint32(sent[5:9]) != 3 || binary.BigEndian.Uint32(sent[9:13]) != 2 {
		t.Errorf("malformed request header % x", sent[:13])
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].Box.X != 10 || got[0].Box.H != 30 || got[0].Mask != nil {
		t.Errorf("unexpected first result %+v", got[0])
	}
	if math.Abs(got[0].Box.Score-0.9) > 1e-6 {
		t.Errorf("Expected score approx 0.9, got %f", got[0].Box.Score)
	}
	if !bytes.Equal(got[1].Mask, []byte{1, 0, 0, 1}) {
		t.Errorf("unexpected mask %v", got[1].Mask)
	}
}

func TestDetect_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "model weights not found"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeReply(dataPipeMock, payload.Bytes())

	w := &ProcessWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.Detect(KindObjects, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "provider error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "provider error: "+errMsg, err)
	}
}

func TestDecodeReplyRejectsTruncatedMask(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{0, 0, 4, 4})
	binary.Write(payload, binary.BigEndian, float32(1))
	binary.Write(payload, binary.BigEndian, uint32(16))
	payload.Write([]byte{1, 1})

	if _, err := DecodeReply(payload.Bytes()); err == nil || !strings.Contains(err.Error(), "claims 16 bytes") {
		t.Errorf("expected truncated mask error, got %v", err)
	}
}

// blockingReader never returns, simulating a hung provider.
type blockingReader struct{ ch chan struct{} }

func (b *blockingReader) Read(p []byte) (int, error) { <-b.ch; return 0, io.EOF }
func (b *blockingReader) Close() error               { return nil }

func TestCommunicateTimeout(t *testing.T) {
	hang := &blockingReader{ch: make(chan struct{})}
	defer close(hang.ch)

	w := &ProcessWorker{
		ID:          2,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    hang,
		ReadTimeout: 20 * time.Millisecond,
	}
	_, err := w.Communicate([]byte("frame"))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
}
