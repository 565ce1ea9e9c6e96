package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/reframer/internal/saliency"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	documentFile = "saliency_data.json"
	roiFile      = "roi_suggestions.json"
	mapsDir      = "maps"

	// RFC 8746 typed arrays.
	tagMultiDimArray = 40
	tagUint8         = 64
)

var (
	// ErrNoAnalysis is returned when a video has not been analyzed.
	ErrNoAnalysis = errors.New("no analysis for video")
	// ErrInvalidVideoID is returned for ids that are not a single path element.
	ErrInvalidVideoID = errors.New("invalid video id")
)

// ValidateVideoID rejects ids that would escape the storage directory.
func ValidateVideoID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w %q", ErrInvalidVideoID, id)
	}
	return nil
}

// Store persists documents and saliency maps under one directory per video:
//
//	<dir>/<video_id>/saliency_data.json
//	<dir>/<video_id>/roi_suggestions.json
//	<dir>/<video_id>/maps/frame_000042.cbor.zst
type Store struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens (and creates) the storage directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, enc: enc, dec: dec}, nil
}

// Dir returns the directory of one video.
func (s *Store) Dir(videoID string) string {
	return filepath.Join(s.dir, videoID)
}

func (s *Store) mapPath(videoID string, frame int) string {
	return filepath.Join(s.dir, videoID, mapsDir, fmt.Sprintf("frame_%06d.cbor.zst", frame))
}

// SaveDocument writes the document and its flat ROI export.
func (s *Store) SaveDocument(doc *Document) error {
	if err := ValidateVideoID(doc.VideoID); err != nil {
		return err
	}
	dir := s.Dir(doc.VideoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, documentFile), doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, roiFile), doc.ROISuggestions()); err != nil {
		return fmt.Errorf("write roi export: %w", err)
	}
	return nil
}

// LoadDocument reads a video's document.
func (s *Store) LoadDocument(videoID string) (*Document, error) {
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(videoID), documentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w %s", ErrNoAnalysis, videoID)
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	sort.SliceStable(doc.Frames, func(i, j int) bool { return doc.Frames[i].FrameNumber < doc.Frames[j].FrameNumber })
	return &doc, nil
}

// SaveMap writes one frame's saliency map.
func (s *Store) SaveMap(videoID string, frame int, m *saliency.Map) error {
	if err := ValidateVideoID(videoID); err != nil {
		return err
	}
	raw, err := EncodeMap(m)
	if err != nil {
		return err
	}
	path := s.mapPath(videoID, frame)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, s.enc.EncodeAll(raw, nil), 0o644)
}

// LoadMap reads one frame's saliency map.
func (s *Store) LoadMap(videoID string, frame int) (*saliency.Map, error) {
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(s.mapPath(videoID, frame))
	if err != nil {
		return nil, err
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress map %d: %w", frame, err)
	}
	return DecodeMap(raw)
}

// EncodeMap serializes a map as a CBOR multi-dimensional uint8 array [rows, cols].
func EncodeMap(m *saliency.Map) ([]byte, error) {
	return cbor.Marshal(cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{m.H, m.W},
			cbor.Tag{Number: tagUint8, Content: m.Pix},
		},
	})
}

// DecodeMap parses the output of EncodeMap.
func DecodeMap(data []byte) (*saliency.Map, error) {
	var value any
	if err := cbor.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}
	dims, ok := items[0].([]any)
	if !ok || len(dims) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	rows, err := toInt(dims[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dims[1])
	if err != nil {
		return nil, err
	}
	data8, ok := items[1].(cbor.Tag)
	if !ok || data8.Number != tagUint8 {
		return nil, fmt.Errorf("expected uint8 typed array")
	}
	pix, ok := data8.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", data8.Content)
	}
	if len(pix) != rows*cols {
		return nil, fmt.Errorf("map has %d bytes, want %dx%d", len(pix), rows, cols)
	}
	return &saliency.Map{W: cols, H: rows, Pix: pix}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case uint64:
		return int(n), nil
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("unexpected dimension type %T", v)
}

// List returns the ids of all analyzed videos.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), documentFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes everything stored for a video.
func (s *Store) Delete(videoID string) error {
	if err := ValidateVideoID(videoID); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(videoID))
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
