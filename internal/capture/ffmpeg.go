package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// maxStderr caps how much ffmpeg diagnostic output is kept for error reports.
const maxStderr = 64 * 1024

// FFmpegSource captures from a device through an ffmpeg subprocess that
// writes MJPEG to stdout.
type FFmpegSource struct {
	binary string

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	stderr  *limitedBuffer
	scanner *frameScanner
}

// NewFFmpegSource returns a source that runs binary (usually "ffmpeg").
func NewFFmpegSource(binary string) *FFmpegSource {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegSource{binary: binary}
}

// Args builds the ffmpeg argument list for s.
func Args(s Settings) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if s.InputFormat != "" {
		args = append(args, "-f", s.InputFormat)
		if s.InputFormat == "v4l2" {
			args = append(args, "-input_format", "mjpeg")
		}
		if s.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(s.FPS))
		}
		if s.Width > 0 && s.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height))
		}
	} else {
		// Files and URLs are read at their native rate.
		args = append(args, "-re")
	}
	args = append(args, "-i", s.Device)
	if s.InputFormat == "" {
		if s.FPS > 0 {
			args = append(args, "-r", strconv.Itoa(s.FPS))
		}
		if s.Width > 0 && s.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", s.Width, s.Height))
		}
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

func (s *FFmpegSource) Open(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("capture: source already open")
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, s.binary, Args(settings)...)
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	logger.Info("Capture", "ffmpeg started (pid=%d): %s %s",
		cmd.Process.Pid, s.binary, strings.Join(Args(settings), " "))

	s.cmd = cmd
	s.cancel = cancel
	s.stdout = stdout
	s.stderr = stderr
	s.scanner = newFrameScanner(stdout)
	return nil
}

func (s *FFmpegSource) Read() (*types.Frame, error) {
	s.mu.Lock()
	scanner := s.scanner
	s.mu.Unlock()

	if scanner == nil {
		return nil, ErrNotOpen
	}
	frame, err := scanner.next()
	if err != nil {
		if msg := s.stderrTail(); msg != "" {
			return nil, fmt.Errorf("%w (ffmpeg: %s)", err, msg)
		}
		return nil, err
	}
	return frame, nil
}

// Release stops ffmpeg and reaps the process. Safe to call more than once.
func (s *FFmpegSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	s.cancel()
	_ = s.stdout.Close()
	err := s.cmd.Wait()

	s.cmd = nil
	s.scanner = nil
	s.stdout = nil

	// Killed by our own cancel is the normal way out.
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && !exitErr.Exited() {
			return nil
		}
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return nil
}

func (s *FFmpegSource) stderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.stderr.String())
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
