package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
)

// DispatcherConfig sizes the queue and paces delivery.
type DispatcherConfig struct {
	QueueSize     int
	Workers       int
	SendTimeout   time.Duration
	RatePerSecond float64 // 0 = unlimited
	Burst         int
}

// Dispatcher queues alerts and delivers them from a fixed worker pool.
// It implements suture.Service.
type Dispatcher struct {
	cfg       DispatcherConfig
	queue     chan Alert
	notifiers []Notifier
	snapshots SnapshotStore
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

// NewDispatcher builds a dispatcher over the enabled notifiers. snapshots may be nil.
func NewDispatcher(cfg DispatcherConfig, m *metrics.Metrics, snapshots SnapshotStore, notifiers ...Notifier) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	enabled := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil && n.Enabled() {
			enabled = append(enabled, n)
		}
	}

	return &Dispatcher{
		cfg:       cfg,
		queue:     make(chan Alert, cfg.QueueSize),
		notifiers: enabled,
		snapshots: snapshots,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		metrics:   m,
	}
}

// Notify enqueues alert without blocking. It returns false when the queue is
// full and the alert was dropped.
func (d *Dispatcher) Notify(alert Alert) bool {
	select {
	case d.queue <- alert:
		d.metrics.AlertsQueued.Add(1)
		return true
	default:
		d.metrics.AlertsDropped.Add(1)
		logger.Warn("Notify", "queue full, dropping %s alert for %s", alert.Type, alert.Class)
		return false
	}
}

// Notifiers returns the names of the enabled notifiers.
func (d *Dispatcher) Notifiers() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Serve runs the workers until ctx is cancelled. Alerts still queued at
// shutdown are discarded.
func (d *Dispatcher) Serve(ctx context.Context) error {
	logger.Info("Notify", "dispatcher started (workers=%d, queue=%d, notifiers=%v)",
		d.cfg.Workers, d.cfg.QueueSize, d.Notifiers())

	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	if n := len(d.queue); n > 0 {
		logger.Warn("Notify", "discarding %d queued alerts on shutdown", n)
	}
	return ctx.Err()
}

func (d *Dispatcher) String() string {
	return "notify-dispatcher"
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	if d.snapshots != nil && len(alert.Snapshot) > 0 && alert.SnapshotURL == "" {
		uctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		url, err := d.snapshots.Upload(uctx, snapshotKey(alert), alert.Snapshot)
		cancel()
		if err != nil {
			logger.Warn("Notify", "snapshot upload for %s failed: %v", alert.ID, err)
		} else {
			alert.SnapshotURL = url
		}
	}

	for _, n := range d.notifiers {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := n.Send(sctx, &alert)
		cancel()
		if err != nil {
			d.metrics.AlertFailures.Add(1)
			logger.Error("Notify", "%s delivery of %s alert failed: %v", n.Name(), alert.Class, err)
			continue
		}
		d.metrics.AlertsSent.Add(1)
		logger.Info("Notify", "%s alert sent: %s (%.2f%%)", n.Name(), alert.Class, alert.Confidence*100)
	}
}

func snapshotKey(a Alert) string {
	return fmt.Sprintf("%s/%s/%s.jpg", a.Class, a.Time.UTC().Format("2006/01/02"), a.ID)
}
