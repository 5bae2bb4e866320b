package config

import (
	"time"

	"github.com/samber/lo"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Config is the complete runtime configuration of the detection server.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Camera      CameraConfig      `koanf:"camera"`
	Inference   InferenceConfig   `koanf:"inference"`
	Classes     []ClassConfig     `koanf:"classes" validate:"required,min=1,dive"`
	Throttle    ThrottleConfig    `koanf:"throttle"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Notify      NotifyConfig      `koanf:"notify"`
	Stream      StreamConfig      `koanf:"stream"`
	Events      EventsConfig      `koanf:"events"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Snapshot    SnapshotConfig    `koanf:"snapshot"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

// ServerConfig covers the HTTP API listener.
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	// OnDemandRateLimit is the number of on-demand requests allowed per
	// client within OnDemandRateWindow. Zero disables the limit.
	OnDemandRateLimit  int           `koanf:"ondemand_rate_limit" validate:"gte=0"`
	OnDemandRateWindow time.Duration `koanf:"ondemand_rate_window"`
}

// CameraConfig describes the capture device handed to ffmpeg.
type CameraConfig struct {
	Device      string `koanf:"device" validate:"required"`
	InputFormat string `koanf:"input_format"`
	FFmpegPath  string `koanf:"ffmpeg_path" validate:"required"`
	Width       int    `koanf:"width" validate:"gt=0"`
	Height      int    `koanf:"height" validate:"gt=0"`
	FPS         int    `koanf:"fps" validate:"gt=0,lte=120"`
}

// InferenceConfig describes the remote detector.
type InferenceConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// Stride runs inference on every Nth captured frame.
	Stride          int           `koanf:"stride" validate:"gte=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ClassConfig assigns one detector class to an alert policy group.
type ClassConfig struct {
	Name      string          `koanf:"name" validate:"required"`
	Mode      types.ClassMode `koanf:"mode" validate:"required,oneof=continuous cooldown"`
	Threshold float64         `koanf:"threshold" validate:"gt=0,lte=1"`
}

// ThrottleConfig configures the alert ledger.
type ThrottleConfig struct {
	LedgerPath string        `koanf:"ledger_path" validate:"required"`
	Cooldown   time.Duration `koanf:"cooldown" validate:"gt=0"`
	// ContinuousInterval throttles continuous classes in memory. Zero means
	// every qualifying detection alerts.
	ContinuousInterval time.Duration `koanf:"continuous_interval" validate:"gte=0"`
}

// CoordinatorConfig toggles optional capture loop behaviour.
type CoordinatorConfig struct {
	EvaluateCooldownInLoop bool `koanf:"evaluate_cooldown_in_loop"`
	Overlay                bool `koanf:"overlay"`
}

// NotifyConfig configures the outbound alert queue and its transports.
type NotifyConfig struct {
	QueueSize     int           `koanf:"queue_size" validate:"gte=1"`
	Workers       int           `koanf:"workers" validate:"gte=1"`
	SendTimeout   time.Duration `koanf:"send_timeout" validate:"gt=0"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gte=0"`
	Burst         int           `koanf:"burst" validate:"gte=1"`
	Discord       DiscordConfig `koanf:"discord"`
	Webhook       WebhookConfig `koanf:"webhook"`
}

// DiscordConfig configures the Discord webhook notifier.
type DiscordConfig struct {
	Enabled    bool   `koanf:"enabled"`
	WebhookURL string `koanf:"webhook_url" validate:"required_if=Enabled true"`
	Username   string `koanf:"username"`
}

// WebhookConfig configures the generic JSON webhook notifier.
type WebhookConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true"`
}

// StreamConfig configures the MJPEG publisher.
type StreamConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	JPEGQuality int           `koanf:"jpeg_quality" validate:"gte=1,lte=100"`
	// KeepAlive resends the last frame when nothing new arrived in this window.
	KeepAlive time.Duration `koanf:"keep_alive" validate:"gt=0"`
}

// EventsConfig sizes the in-memory event log.
type EventsConfig struct {
	Capacity     int `koanf:"capacity" validate:"gte=1"`
	DefaultLimit int `koanf:"default_limit" validate:"gte=1"`
}

// KafkaConfig configures the optional Kafka event sink.
type KafkaConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Brokers   []string `koanf:"brokers" validate:"required_if=Enabled true"`
	Topic     string   `koanf:"topic" validate:"required_if=Enabled true"`
	QueueSize int      `koanf:"queue_size" validate:"gte=1"`
}

// SnapshotConfig configures the optional S3-compatible alert snapshot store.
type SnapshotConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket" validate:"required_if=Enabled true"`
	UseSSL    bool   `koanf:"use_ssl"`
	// PublicURL prefixes object keys in alert messages. Defaults to the endpoint.
	PublicURL string `koanf:"public_url"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error silent none"`
	Format string `koanf:"format" validate:"oneof=console json"`
	Color  bool   `koanf:"color"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true"`
}

// Default returns the single-camera deployment defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":5000",
			ReadHeaderTimeout:  5 * time.Second,
			ShutdownTimeout:    5 * time.Second,
			CORSOrigins:        []string{"*"},
			OnDemandRateLimit:  30,
			OnDemandRateWindow: time.Minute,
		},
		Camera: CameraConfig{
			Device:      "/dev/video0",
			InputFormat: "v4l2",
			FFmpegPath:  "ffmpeg",
			Width:       1280,
			Height:      720,
			FPS:         30,
		},
		Inference: InferenceConfig{
			URL:             "http://127.0.0.1:8000",
			Timeout:         5 * time.Second,
			Stride:          3,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
		},
		Classes: []ClassConfig{
			{Name: "mounting", Mode: types.Continuous, Threshold: 0.5},
			{Name: "impossibility", Mode: types.Cooldown, Threshold: 0.6},
			{Name: "sale", Mode: types.Cooldown, Threshold: 0.6},
		},
		Throttle: ThrottleConfig{
			LedgerPath:         "alert_log.json",
			Cooldown:           30 * 24 * time.Hour,
			ContinuousInterval: 0,
		},
		Coordinator: CoordinatorConfig{
			EvaluateCooldownInLoop: false,
			Overlay:                true,
		},
		Notify: NotifyConfig{
			QueueSize:     64,
			Workers:       1,
			SendTimeout:   10 * time.Second,
			RatePerSecond: 1,
			Burst:         5,
		},
		Stream: StreamConfig{
			Interval:    33 * time.Millisecond,
			JPEGQuality: 80,
			KeepAlive:   5 * time.Second,
		},
		Events: EventsConfig{
			Capacity:     100,
			DefaultLimit: 50,
		},
		Kafka: KafkaConfig{
			Topic:     "herdwatch.events",
			QueueSize: 256,
		},
		Snapshot: SnapshotConfig{
			Bucket: "herdwatch-alerts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Color:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// ClassesByMode returns the configured class names of one policy group, in config order.
func (c *Config) ClassesByMode(mode types.ClassMode) []string {
	return lo.FilterMap(c.Classes, func(cc ClassConfig, _ int) (string, bool) {
		return cc.Name, cc.Mode == mode
	})
}

// Masked returns a copy with credentials replaced, suitable for printing.
func (c *Config) Masked() *Config {
	out := *c
	out.Classes = append([]ClassConfig(nil), c.Classes...)
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Notify.Discord.WebhookURL = mask(c.Notify.Discord.WebhookURL)
	out.Notify.Webhook.URL = mask(c.Notify.Webhook.URL)
	out.Snapshot.AccessKey = mask(c.Snapshot.AccessKey)
	out.Snapshot.SecretKey = mask(c.Snapshot.SecretKey)
	return &out
}
