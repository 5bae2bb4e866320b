package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/thejerf/suture/v4"

	"github.com/dj-oyu/herdwatch/detection-server/internal/annotate"
	"github.com/dj-oyu/herdwatch/detection-server/internal/inference"
	"github.com/dj-oyu/herdwatch/detection-server/internal/latest"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Serve runs the capture loop until ctx is cancelled or the source fails.
// A source fault is terminal: the source is released, the error is kept for
// Status, and suture.ErrDoNotRestart is returned.
func (c *Coordinator) Serve(ctx context.Context) error {
	src := c.deps.Source
	if err := src.Open(ctx, c.opts.Capture); err != nil {
		return c.fault(fmt.Errorf("open camera: %w", err))
	}
	defer func() {
		if err := src.Release(); err != nil {
			logger.Warn("Coordinator", "release camera: %v", err)
		}
	}()

	c.setErr(nil)
	c.running.Store(true)
	c.deps.Metrics.SetCaptureRunning(true)
	defer func() {
		c.running.Store(false)
		c.deps.Metrics.SetCaptureRunning(false)
	}()
	logger.Info("Coordinator", "capture loop started (stride=%d)", c.opts.Stride)

	var (
		frameCount uint64
		dets       []types.Detection
	)
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("Coordinator", "capture loop stopped after %d frames", frameCount)
			return err
		}

		frame, err := src.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.deps.Metrics.ReadErrors.Add(1)
			return c.fault(fmt.Errorf("read camera: %w", err))
		}
		frameCount++
		c.deps.Metrics.FramesRead.Add(1)

		if frameCount%uint64(c.opts.Stride) == 0 {
			if found, err := c.infer(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Coordinator", "inference on frame %d failed: %v", frame.Seq, err)
				dets = nil
			} else {
				dets = inference.AboveThreshold(found, c.thresholds)
				c.deps.Metrics.Detections.Add(uint64(len(dets)))
				c.handleDetections(frame, dets)
			}
		}

		c.publish(frame, dets, frameCount)
	}
}

func (c *Coordinator) String() string {
	return "capture-loop"
}

func (c *Coordinator) fault(err error) error {
	logger.Error("Coordinator", "capture stopped: %v", err)
	c.setErr(err)
	return suture.ErrDoNotRestart
}

func (c *Coordinator) handleDetections(frame *types.Frame, dets []types.Detection) {
	for _, det := range dets {
		switch c.classes[det.ClassName].Mode {
		case types.Continuous:
			c.alertContinuous(det, frame)
		case types.Cooldown:
			if c.opts.EvaluateCooldownInLoop {
				c.alertCooldown(det, frame, types.Realtime)
			}
		}
	}
}

// publish stores the frame, with overlay when enabled, as the latest snapshot.
func (c *Coordinator) publish(frame *types.Frame, dets []types.Detection, frameCount uint64) {
	snap := &latest.Snapshot{Frame: frame, Detections: dets}

	if c.opts.Overlay {
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			logger.Debug("Coordinator", "decode frame %d for overlay: %v", frame.Seq, err)
		} else {
			snap.Annotated = c.render(img, dets, frameCount)
		}
	}

	c.deps.Cell.Store(snap)
	c.deps.Metrics.FramesPublished.Add(1)
}

func (c *Coordinator) render(img image.Image, dets []types.Detection, frameCount uint64) *image.RGBA {
	rgba := annotate.ToRGBA(img)
	for _, det := range dets {
		annotate.DrawDetection(rgba, det, annotate.ColorFor(c.classes[det.ClassName].Mode))
	}
	annotate.DrawStatus(rgba,
		fmt.Sprintf("Frame: %d", frameCount),
		"Server Running...",
		fmt.Sprintf("Events: %d", c.deps.Log.Len()),
	)
	return rgba
}
