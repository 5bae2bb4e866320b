package inference

import (
	"github.com/samber/lo"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// AboveThreshold keeps detections whose class has a threshold and whose
// confidence strictly exceeds it. Classes missing from thresholds are dropped.
func AboveThreshold(dets []types.Detection, thresholds map[string]float64) []types.Detection {
	return lo.Filter(dets, func(d types.Detection, _ int) bool {
		th, ok := thresholds[d.ClassName]
		return ok && d.Confidence > th
	})
}

// Best returns the highest-confidence detection of class above threshold.
func Best(dets []types.Detection, class string, threshold float64) (types.Detection, bool) {
	matches := lo.Filter(dets, func(d types.Detection, _ int) bool {
		return d.ClassName == class && d.Confidence > threshold
	})
	if len(matches) == 0 {
		return types.Detection{}, false
	}
	return lo.MaxBy(matches, func(a, b types.Detection) bool {
		return a.Confidence > b.Confidence
	}), true
}
