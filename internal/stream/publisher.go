// Package stream serves the latest annotated frame as an MJPEG stream.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/herdwatch/detection-server/internal/latest"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
)

// Config tunes the publisher.
type Config struct {
	Interval    time.Duration // minimum time between encoded frames
	JPEGQuality int
	KeepAlive   time.Duration // resend the last frame after this much silence
}

// Publisher encodes each new snapshot once and fans the JPEG bytes out to
// every subscriber. It implements suture.Service and http.Handler.
type Publisher struct {
	cfg     Config
	cell    *latest.Cell
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
}

// NewPublisher creates a publisher reading from cell.
func NewPublisher(cfg Config, cell *latest.Cell, m *metrics.Metrics) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 33 * time.Millisecond
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 5 * time.Second
	}
	return &Publisher{
		cfg:     cfg,
		cell:    cell,
		metrics: m,
		clients: make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (p *Publisher) Subscribe() (int, <-chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	p.clients[id] = ch
	p.metrics.StreamClients.Store(uint64(len(p.clients)))

	logger.Debug("Stream", "Client #%d subscribed (total clients: %d)", id, len(p.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (p *Publisher) Unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.clients[id]; ok {
		close(ch)
		delete(p.clients, id)
		p.metrics.StreamClients.Store(uint64(len(p.clients)))
		logger.Debug("Stream", "Client #%d unsubscribed (remaining clients: %d)", id, len(p.clients))
		if len(p.clients) == 0 {
			logger.Info("Stream", "No clients remaining - frame encoding will be skipped")
		}
	}
}

// Clients returns the number of subscribers.
func (p *Publisher) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Serve encodes new snapshots until ctx is cancelled. Nothing is encoded
// while there are no subscribers.
func (p *Publisher) Serve(ctx context.Context) error {
	var last *latest.Snapshot
	for {
		changed := p.cell.Changed()
		snap := p.cell.Load()

		if snap != nil && snap != last && p.Clients() > 0 {
			last = snap
			data, err := p.encode(snap)
			if err != nil {
				logger.Warn("Stream", "encode frame %d: %v", snap.Frame.Seq, err)
			} else {
				p.metrics.StreamFramesEncoded.Add(1)
				p.broadcast(data)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.Interval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(time.Second):
			// Re-check so a new subscriber gets the current frame even if
			// capture has stalled.
			last = nil
		}
	}
}

func (p *Publisher) String() string {
	return "stream-publisher"
}

func (p *Publisher) encode(snap *latest.Snapshot) ([]byte, error) {
	if snap.Annotated == nil {
		if snap.Frame == nil || len(snap.Frame.Data) == 0 {
			return nil, fmt.Errorf("empty snapshot")
		}
		return snap.Frame.Data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, snap.Annotated, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Publisher) broadcast(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
			p.metrics.StreamFramesDropped.Add(1)
		}
	}
}

// ServeHTTP streams frames to one client until it disconnects.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, frameCh := p.Subscribe()
	defer p.Unsubscribe(id)
	WriteMJPEG(r.Context(), w, frameCh, p.cfg.KeepAlive)
}
