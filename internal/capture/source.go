// Package capture reads JPEG frames from a camera.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"time"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

const (
	megabyte     = 1024 * 1024
	maxFrameSize = 32 * megabyte
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ErrNotOpen is returned by Read before Open or after Release.
var ErrNotOpen = errors.New("capture: source not open")

// Settings describes the requested capture format.
type Settings struct {
	Device      string // Device path, file, or URL
	InputFormat string // ffmpeg demuxer, e.g. "v4l2"; empty lets ffmpeg probe
	Width       int
	Height      int
	FPS         int
}

// Source produces frames until end of stream. A Read error is fatal to the
// caller's loop; sources do not retry internally.
type Source interface {
	Open(ctx context.Context, s Settings) error
	// Read blocks for the next frame and returns io.EOF at end of stream.
	Read() (*types.Frame, error)
	Release() error
}

// SplitJPEG is a bufio.SplitFunc yielding one complete JPEG per token, using
// the SOI (FFD8) and EOI (FFD9) markers. Bytes before SOI are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		// Keep a trailing 0xFF in case it starts the next SOI.
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end == -1 {
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// frameScanner turns a byte stream of concatenated JPEGs into Frames.
type frameScanner struct {
	scanner *bufio.Scanner
	seq     uint64
}

func newFrameScanner(r io.Reader) *frameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, megabyte), maxFrameSize)
	s.Split(SplitJPEG)
	return &frameScanner{scanner: s}
}

func (fs *frameScanner) next() (*types.Frame, error) {
	if !fs.scanner.Scan() {
		if err := fs.scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		return nil, io.EOF
	}

	data := bytes.Clone(fs.scanner.Bytes())
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	fs.seq++
	return &types.Frame{
		Data:      data,
		Timestamp: time.Now(),
		Seq:       fs.seq,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

// ReaderSource reads concatenated JPEGs from an already open stream, such as
// stdin or a test pipe. Open is a no-op; Release closes the stream.
type ReaderSource struct {
	rc      io.ReadCloser
	scanner *frameScanner
}

// NewReaderSource wraps rc.
func NewReaderSource(rc io.ReadCloser) *ReaderSource {
	return &ReaderSource{rc: rc}
}

func (s *ReaderSource) Open(ctx context.Context, _ Settings) error {
	s.scanner = newFrameScanner(s.rc)
	return nil
}

func (s *ReaderSource) Read() (*types.Frame, error) {
	if s.scanner == nil {
		return nil, ErrNotOpen
	}
	return s.scanner.next()
}

func (s *ReaderSource) Release() error {
	s.scanner = nil
	return s.rc.Close()
}
