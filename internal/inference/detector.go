// Package inference talks to the object detection model.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// ErrCircuitOpen is returned while the detector is considered unavailable.
var ErrCircuitOpen = errors.New("inference: detector unavailable (circuit open)")

// Detector runs the model on one frame. Implementations must not modify the
// frame and keep no state between calls.
type Detector interface {
	Infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// Config configures an HTTPDetector.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPDetector posts JPEG frames to a model server's /predict endpoint.
type HTTPDetector struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]types.Detection]
}

// prediction is the wire shape returned by /predict.
type prediction struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"`
}

// NewHTTPDetector returns a detector for cfg.BaseURL.
func NewHTTPDetector(cfg Config) *HTTPDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "detector",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Inference", "circuit %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about detector health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &HTTPDetector{
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/predict",
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]types.Detection](settings),
	}
}

// Infer sends the frame JPEG and decodes the detections.
func (d *HTTPDetector) Infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("inference: empty frame")
	}
	dets, err := d.breaker.Execute(func() ([]types.Detection, error) {
		return d.predict(ctx, frame.Data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return dets, err
}

func (d *HTTPDetector) predict(ctx context.Context, jpegData []byte) ([]types.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status, bytes.TrimSpace(body))
	}

	var preds []prediction
	if err := json.NewDecoder(resp.Body).Decode(&preds); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	out := make([]types.Detection, 0, len(preds))
	for _, p := range preds {
		det := types.Detection{ClassName: p.Class, Confidence: p.Score}
		if len(p.Box) == 4 {
			det.Box = types.Box{X1: p.Box[0], Y1: p.Box[1], X2: p.Box[2], Y2: p.Box[3]}
		}
		out = append(out, det)
	}
	return out, nil
}
