// Package notify delivers detection alerts to external channels.
//
// Delivery is best effort: alerts pass through a bounded queue, each is sent
// once to every enabled notifier, and failures are only logged and counted.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Alert is one outbound notification.
type Alert struct {
	ID         uuid.UUID           `json:"id"`
	Class      string              `json:"class"`
	Confidence float64             `json:"confidence"` // 0..1
	Type       types.DetectionType `json:"type"`
	Mode       types.ClassMode     `json:"mode"`
	Time       time.Time           `json:"time"`
	// DaysUntilNext is set for cooldown classes: days until the class may
	// alert again.
	DaysUntilNext *int `json:"days_until_next,omitempty"`

	// Snapshot is the JPEG the detection was made on. Uploaded when a
	// snapshot store is configured, never serialized.
	Snapshot    []byte `json:"-"`
	SnapshotURL string `json:"snapshot_url,omitempty"`
}

// NewAlert stamps a fresh id.
func NewAlert(class string, confidence float64, typ types.DetectionType, mode types.ClassMode, at time.Time) Alert {
	return Alert{
		ID:         uuid.New(),
		Class:      class,
		Confidence: confidence,
		Type:       typ,
		Mode:       mode,
		Time:       at,
	}
}

// WithDaysUntilNext returns a copy with the cooldown countdown set.
func (a Alert) WithDaysUntilNext(days int) Alert {
	a.DaysUntilNext = &days
	return a
}

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// SnapshotStore uploads alert images and returns a URL for them.
type SnapshotStore interface {
	Upload(ctx context.Context, key string, jpeg []byte) (string, error)
}
