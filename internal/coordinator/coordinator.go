// Package coordinator runs the capture and inference loop and answers
// on-demand detection requests against the latest frame.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/dj-oyu/herdwatch/detection-server/internal/capture"
	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/events"
	"github.com/dj-oyu/herdwatch/detection-server/internal/inference"
	"github.com/dj-oyu/herdwatch/detection-server/internal/latest"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
	"github.com/dj-oyu/herdwatch/detection-server/internal/notify"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

var (
	// ErrUnknownClass is returned for classes that are not configured for
	// on-demand checks.
	ErrUnknownClass = errors.New("coordinator: unknown on-demand class")
	// ErrNoFrame marks results produced before the first frame was captured.
	ErrNoFrame = errors.New("coordinator: no frame captured yet")
	// ErrNotDetected marks results where the class was not found.
	ErrNotDetected = errors.New("coordinator: class not detected")
)

// Reason explains an unsuccessful on-demand result.
type Reason string

const (
	ReasonNoFrame     Reason = "no_frame"
	ReasonNotDetected Reason = "not_detected"
)

// Class is one configured detection class.
type Class struct {
	Name      string
	Mode      types.ClassMode
	Threshold float64
}

// Result is the outcome of an on-demand check.
type Result struct {
	Success bool
	Class   string
	Message string
	Reason  Reason
	// Confidence is a percentage with two decimals, set when detected.
	Confidence float64
	// Notified reports whether this request moved the class into cooldown
	// and queued an alert.
	Notified          bool
	CooldownRemaining time.Duration
	Event             *eventlog.Entry
}

// Err maps an unsuccessful result to its sentinel error, nil on success.
func (r Result) Err() error {
	switch r.Reason {
	case ReasonNoFrame:
		return ErrNoFrame
	case ReasonNotDetected:
		return ErrNotDetected
	}
	return nil
}

// Status is a point-in-time view of the capture loop.
type Status struct {
	CaptureRunning bool
	FrameAvailable bool
	FrameSeq       uint64
	CaptureError   string
}

// AlertQueue accepts alerts without blocking.
type AlertQueue interface {
	Notify(alert notify.Alert) bool
}

// Options configures a Coordinator.
type Options struct {
	Classes                []Class
	Stride                 int
	EvaluateCooldownInLoop bool
	Overlay                bool
	Capture                capture.Settings
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Source   capture.Source
	Detector inference.Detector
	Throttle *throttle.Throttle
	Alerts   AlertQueue
	Log      *eventlog.Log
	Sinks    events.Sink // may be nil
	Cell     *latest.Cell
	Metrics  *metrics.Metrics
}

// Coordinator owns the capture loop. The loop is the only writer of the
// latest-frame cell; on-demand requests only read it.
type Coordinator struct {
	opts       Options
	deps       Deps
	classes    map[string]Class
	thresholds map[string]float64
	now        func() time.Time

	running atomic.Bool
	errMu   sync.Mutex
	lastErr error
}

// New builds a Coordinator.
func New(opts Options, deps Deps) *Coordinator {
	if opts.Stride < 1 {
		opts.Stride = 1
	}
	if deps.Sinks == nil {
		deps.Sinks = events.Sinks(nil)
	}
	return &Coordinator{
		opts:    opts,
		deps:    deps,
		classes: lo.KeyBy(opts.Classes, func(c Class) string { return c.Name }),
		thresholds: lo.SliceToMap(opts.Classes, func(c Class) (string, float64) {
			return c.Name, c.Threshold
		}),
		now: time.Now,
	}
}

// Status reports capture state.
func (c *Coordinator) Status() Status {
	st := Status{CaptureRunning: c.running.Load()}
	if snap := c.deps.Cell.Load(); snap != nil {
		st.FrameAvailable = true
		st.FrameSeq = snap.Frame.Seq
	}
	c.errMu.Lock()
	if c.lastErr != nil {
		st.CaptureError = c.lastErr.Error()
	}
	c.errMu.Unlock()
	return st
}

// ClassNames returns configured class names of one mode, in config order.
func (c *Coordinator) ClassNames(mode types.ClassMode) []string {
	return lo.FilterMap(c.opts.Classes, func(cl Class, _ int) (string, bool) {
		return cl.Name, cl.Mode == mode
	})
}

// IsOnDemand reports whether class accepts on-demand checks.
func (c *Coordinator) IsOnDemand(class string) bool {
	cl, ok := c.classes[class]
	return ok && cl.Mode == types.Cooldown
}

// OnDemand runs inference on the latest frame for one cooldown class.
// Detection failures are reported in Result; errors are reserved for
// unknown classes and inference faults.
func (c *Coordinator) OnDemand(ctx context.Context, class string) (Result, error) {
	cl, ok := c.classes[class]
	if !ok || cl.Mode != types.Cooldown {
		return Result{Class: class}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	c.deps.Metrics.OnDemandRequests.Add(1)

	snap := c.deps.Cell.Load()
	if snap == nil {
		return Result{
			Class:   class,
			Reason:  ReasonNoFrame,
			Message: "No camera frame available",
		}, nil
	}

	dets, err := c.infer(ctx, snap.Frame)
	if err != nil {
		return Result{Class: class, Message: "Detection failed"}, fmt.Errorf("on-demand %s: %w", class, err)
	}

	best, found := inference.Best(dets, class, cl.Threshold)
	if !found {
		logger.Info("Coordinator", "on-demand %s: not detected", class)
		return Result{
			Class:   class,
			Reason:  ReasonNotDetected,
			Message: fmt.Sprintf("%s was not detected", class),
		}, nil
	}

	c.deps.Metrics.OnDemandDetected.Add(1)
	logger.Info("Coordinator", "on-demand %s detected (%.2f%%)", class, best.Confidence*100)
	return c.alertCooldown(best, snap.Frame, types.OnDemand), nil
}

// alertCooldown passes a qualifying cooldown detection through the throttle.
func (c *Coordinator) alertCooldown(det types.Detection, frame *types.Frame, typ types.DetectionType) Result {
	res := Result{
		Success:    true,
		Class:      det.ClassName,
		Confidence: eventlog.Percent(det.Confidence),
	}

	now := c.now()
	decision, err := c.deps.Throttle.Acquire(det.ClassName, now)
	if err != nil {
		if !decision.Granted {
			logger.Error("Coordinator", "throttle %s: %v", det.ClassName, err)
			res.Message = fmt.Sprintf("%s detected", det.ClassName)
			return res
		}
		c.deps.Metrics.LedgerWriteErrors.Add(1)
		logger.Error("Coordinator", "alert ledger not persisted: %v", err)
	}
	res.CooldownRemaining = decision.Remaining

	if !decision.Granted {
		c.deps.Metrics.CooldownSuppressed.Add(1)
		days := throttle.DaysCeil(decision.Remaining)
		res.Message = fmt.Sprintf("%s detected! Already reported, next alert in %d days", det.ClassName, days)
		if typ == types.OnDemand {
			logger.Info("Coordinator", "%s in cooldown, %d days remaining", det.ClassName, days)
		} else {
			logger.Debug("Coordinator", "%s in cooldown, %d days remaining", det.ClassName, days)
		}
		return res
	}

	alert := notify.NewAlert(det.ClassName, det.Confidence, typ, types.Cooldown, now).
		WithDaysUntilNext(throttle.DaysCeil(decision.Remaining))
	alert.Snapshot = frame.Data
	if !c.deps.Alerts.Notify(alert) {
		c.release(decision)
		res.CooldownRemaining = 0
		res.Message = fmt.Sprintf("%s detected, but the alert queue is full", det.ClassName)
		return res
	}
	if typ == types.OnDemand {
		c.deps.Metrics.OnDemandNotified.Add(1)
	}

	entry := c.appendEvent(det, typ, now)
	res.Notified = true
	res.Event = &entry
	res.Message = fmt.Sprintf("%s detected!", det.ClassName)
	return res
}

// alertContinuous notifies for a continuous-class detection.
func (c *Coordinator) alertContinuous(det types.Detection, frame *types.Frame) {
	now := c.now()
	decision, err := c.deps.Throttle.Acquire(det.ClassName, now)
	if err != nil {
		logger.Error("Coordinator", "throttle %s: %v", det.ClassName, err)
		return
	}
	if !decision.Granted {
		c.deps.Metrics.CooldownSuppressed.Add(1)
		return
	}

	logger.Info("Coordinator", "realtime detection: %s (%.2f%%)", det.ClassName, det.Confidence*100)
	alert := notify.NewAlert(det.ClassName, det.Confidence, types.Realtime, types.Continuous, now)
	alert.Snapshot = frame.Data
	if !c.deps.Alerts.Notify(alert) {
		c.release(decision)
		return
	}
	c.deps.Metrics.RealtimeAlerts.Add(1)
	c.appendEvent(det, types.Realtime, now)
}

// release returns a grant whose alert was dropped by the queue, so the class
// stays eligible.
func (c *Coordinator) release(d throttle.Decision) {
	logger.Warn("Coordinator", "alert queue full, dropped alert and kept class eligible")
	if err := c.deps.Throttle.Release(d); err != nil {
		c.deps.Metrics.LedgerWriteErrors.Add(1)
		logger.Error("Coordinator", "alert ledger not rolled back: %v", err)
	}
}

func (c *Coordinator) appendEvent(det types.Detection, typ types.DetectionType, at time.Time) eventlog.Entry {
	entry := c.deps.Log.Append(eventlog.NewEntry(det.ClassName, det.Confidence, typ, at))
	c.deps.Metrics.EventsAppended.Add(1)
	c.deps.Sinks.Publish(entry)
	return entry
}

func (c *Coordinator) infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	start := time.Now()
	dets, err := c.deps.Detector.Infer(ctx, frame)
	c.deps.Metrics.UpdateInferenceLatency(time.Since(start))
	if err != nil {
		c.deps.Metrics.InferenceErrors.Add(1)
		return nil, err
	}
	c.deps.Metrics.FramesInferred.Add(1)
	return dets, nil
}

func (c *Coordinator) setErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}
