package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

const (
	colorRealtime = 0x00FF00
	colorCooldown = 0xFF0000
)

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	WebhookURL string
	Username   string
	Enabled    bool
}

// DiscordNotifier posts alerts as Discord webhook embeds.
type DiscordNotifier struct {
	webhookURL string
	username   string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier.
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		username:   cfg.Username,
		enabled:    cfg.Enabled,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the notifier name.
func (n *DiscordNotifier) Name() string {
	return "discord"
}

// Enabled returns whether this notifier is enabled.
func (n *DiscordNotifier) Enabled() bool {
	return n.enabled && n.webhookURL != ""
}

// Send delivers an alert to Discord.
func (n *DiscordNotifier) Send(ctx context.Context, alert *Alert) error {
	if !n.Enabled() {
		return nil
	}

	payload := discordWebhookPayload{
		Content:  "🚨 **Detected!**",
		Username: n.username,
		Embeds:   []discordEmbed{buildEmbed(alert)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create Discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Discord webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildEmbed(alert *Alert) discordEmbed {
	description := fmt.Sprintf("Confidence: %.2f%%", alert.Confidence*100)

	color := colorRealtime
	kind := "⚡ Realtime"
	if alert.Mode == types.Cooldown {
		color = colorCooldown
		kind = "📊 Periodic check"
		if alert.DaysUntilNext != nil {
			description += fmt.Sprintf("\n\n⏰ Next check available in %d days", *alert.DaysUntilNext)
		}
	}
	if alert.Type == types.OnDemand {
		kind += " (on demand)"
	}

	embed := discordEmbed{
		Title:       "Object detected: " + strings.ToUpper(alert.Class),
		Description: description,
		Color:       color,
		Timestamp:   alert.Time.Format(time.RFC3339),
		Fields: []discordEmbedField{
			{Name: "Detection type", Value: kind, Inline: true},
			{Name: "Detected at", Value: alert.Time.Format("2006-01-02 15:04:05"), Inline: true},
		},
	}
	if alert.SnapshotURL != "" {
		embed.Image = &discordEmbedImage{URL: alert.SnapshotURL}
	}
	return embed
}

// Discord webhook structures
type discordWebhookPayload struct {
	Content  string         `json:"content,omitempty"`
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Image       *discordEmbedImage  `json:"image,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedImage struct {
	URL string `json:"url"`
}
