package types

import "time"

// Frame is one JPEG image read from the camera
type Frame struct {
	Data      []byte    // JPEG bytes as produced by the source
	Timestamp time.Time // Capture timestamp
	Seq       uint64    // Sequential frame number, starting at 1
	Width     int
	Height    int
}

// Box is an axis-aligned bounding box in pixel coordinates
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is a single object reported by the detector
type Detection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"` // 0..1
	Box        Box     `json:"box"`
}

// DetectionType distinguishes the path that produced an event or alert
type DetectionType string

const (
	Realtime DetectionType = "realtime"
	OnDemand DetectionType = "ondemand"
)

// ClassMode is the alert policy group a class belongs to
type ClassMode string

const (
	Continuous ClassMode = "continuous"
	Cooldown   ClassMode = "cooldown"
)
