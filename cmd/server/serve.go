package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/herdwatch/detection-server/internal/api"
	"github.com/dj-oyu/herdwatch/detection-server/internal/capture"
	"github.com/dj-oyu/herdwatch/detection-server/internal/config"
	"github.com/dj-oyu/herdwatch/detection-server/internal/coordinator"
	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/events"
	"github.com/dj-oyu/herdwatch/detection-server/internal/inference"
	"github.com/dj-oyu/herdwatch/detection-server/internal/latest"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
	"github.com/dj-oyu/herdwatch/detection-server/internal/notify"
	"github.com/dj-oyu/herdwatch/detection-server/internal/snapshot"
	"github.com/dj-oyu/herdwatch/detection-server/internal/stream"
	"github.com/dj-oyu/herdwatch/detection-server/internal/supervisor"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture loop and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := initLogging(cfg.Logging); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// app holds the wired components of a running server.
type app struct {
	tree        *supervisor.Tree
	coordinator *coordinator.Coordinator
	api         *api.Server
	dispatcher  *notify.Dispatcher
}

func newThrottle(cfg *config.Config) *throttle.Throttle {
	modes := lo.SliceToMap(cfg.Classes, func(c config.ClassConfig) (string, types.ClassMode) {
		return c.Name, c.Mode
	})
	return throttle.New(throttle.NewLedger(cfg.Throttle.LedgerPath), modes, cfg.Throttle.Cooldown, cfg.Throttle.ContinuousInterval)
}

// buildApp wires every component from cfg and registers the long-lived ones
// with a supervisor tree. source and detector may be replaced in tests.
func buildApp(ctx context.Context, cfg *config.Config, source capture.Source, detector inference.Detector) (*app, error) {
	m := metrics.New()
	cell := latest.NewCell()
	thr := newThrottle(cfg)
	evlog := eventlog.New(cfg.Events.Capacity)
	broadcaster := events.NewBroadcaster(m)
	sinks := events.Sinks{broadcaster}

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	if cfg.Kafka.Enabled {
		kafka := events.NewKafkaSink(events.KafkaConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			QueueSize: cfg.Kafka.QueueSize,
		}, m)
		sinks = append(sinks, kafka)
		tree.AddPipelineService(kafka)
		logger.Info("Main", "Kafka sink enabled: topic=%s brokers=%v", cfg.Kafka.Topic, cfg.Kafka.Brokers)
	}

	var snapshots notify.SnapshotStore
	if cfg.Snapshot.Enabled {
		store, err := snapshot.New(snapshot.Config{
			Endpoint:  cfg.Snapshot.Endpoint,
			AccessKey: cfg.Snapshot.AccessKey,
			SecretKey: cfg.Snapshot.SecretKey,
			Bucket:    cfg.Snapshot.Bucket,
			UseSSL:    cfg.Snapshot.UseSSL,
			PublicURL: cfg.Snapshot.PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			// Alerts still go out without images.
			logger.Warn("Main", "Snapshot bucket unavailable, uploads disabled: %v", err)
		} else {
			snapshots = store
		}
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:     cfg.Notify.QueueSize,
		Workers:       cfg.Notify.Workers,
		SendTimeout:   cfg.Notify.SendTimeout,
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
	}, m, snapshots,
		notify.NewDiscordNotifier(notify.DiscordConfig{
			Enabled:    cfg.Notify.Discord.Enabled,
			WebhookURL: cfg.Notify.Discord.WebhookURL,
			Username:   cfg.Notify.Discord.Username,
		}),
		notify.NewWebhookNotifier(notify.WebhookConfig{
			Enabled: cfg.Notify.Webhook.Enabled,
			URL:     cfg.Notify.Webhook.URL,
		}),
	)
	if len(dispatcher.Notifiers()) == 0 {
		logger.Warn("Main", "No notifiers enabled, alerts are only logged")
	}

	coord := coordinator.New(coordinator.Options{
		Classes: lo.Map(cfg.Classes, func(c config.ClassConfig, _ int) coordinator.Class {
			return coordinator.Class{Name: c.Name, Mode: c.Mode, Threshold: c.Threshold}
		}),
		Stride:                 cfg.Inference.Stride,
		EvaluateCooldownInLoop: cfg.Coordinator.EvaluateCooldownInLoop,
		Overlay:                cfg.Coordinator.Overlay,
		Capture: capture.Settings{
			Device:      cfg.Camera.Device,
			InputFormat: cfg.Camera.InputFormat,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			FPS:         cfg.Camera.FPS,
		},
	}, coordinator.Deps{
		Source:   source,
		Detector: detector,
		Throttle: thr,
		Alerts:   dispatcher,
		Log:      evlog,
		Sinks:    sinks,
		Cell:     cell,
		Metrics:  m,
	})

	publisher := stream.NewPublisher(stream.Config{
		Interval:    cfg.Stream.Interval,
		JPEGQuality: cfg.Stream.JPEGQuality,
		KeepAlive:   cfg.Stream.KeepAlive,
	}, cell, m)

	apiServer := api.NewServer(api.Config{
		CORSOrigins:        cfg.Server.CORSOrigins,
		OnDemandRateLimit:  cfg.Server.OnDemandRateLimit,
		OnDemandRateWindow: cfg.Server.OnDemandRateWindow,
		DefaultLimit:       cfg.Events.DefaultLimit,
	}, api.Deps{
		Detector: coord,
		Log:      evlog,
		Ledger:   thr,
		Events:   broadcaster,
		Stream:   publisher,
		Metrics:  m.Handler(),
	})

	tree.AddPipelineService(coord)
	tree.AddPipelineService(dispatcher)
	tree.AddPipelineService(publisher)
	tree.AddAPIService(supervisor.NewHTTPServerService("api-http", &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, cfg.Server.ShutdownTimeout))
	if cfg.Metrics.Enabled {
		tree.AddAPIService(supervisor.NewHTTPServerService("metrics-http", m.NewServer(cfg.Metrics.Addr), cfg.Server.ShutdownTimeout))
	}

	return &app{tree: tree, coordinator: coord, api: apiServer, dispatcher: dispatcher}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Info("Main", "Detection server starting (version %s)", version)
	logger.Info("Main", "Realtime classes: %v, on-demand classes: %v",
		cfg.ClassesByMode(types.Continuous), cfg.ClassesByMode(types.Cooldown))

	a, err := buildApp(ctx, cfg,
		capture.NewFFmpegSource(cfg.Camera.FFmpegPath),
		inference.NewHTTPDetector(inference.Config{
			BaseURL:         cfg.Inference.URL,
			Timeout:         cfg.Inference.Timeout,
			BreakerFailures: cfg.Inference.BreakerFailures,
			BreakerTimeout:  cfg.Inference.BreakerTimeout,
		}))
	if err != nil {
		return err
	}

	logger.Info("Main", "HTTP API listening on %s", cfg.Server.Addr)
	if cfg.Metrics.Enabled {
		logger.Info("Main", "Metrics listening on %s", cfg.Metrics.Addr)
	}

	err = a.tree.Serve(ctx)
	if report, rerr := a.tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn("Main", "Service did not stop in time: %s", svc.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Main", "Server stopped")
	return nil
}
