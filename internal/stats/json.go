package stats

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"fleet-replay/internal/speed"
)

// FormatDuration renders a duration as "1d 2h 3m", "2h 3m", "3m 4s" or "4s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Durations are encoded as seconds; the outer fields shadow the embedded ones.

func (s Snapshot) MarshalJSON() ([]byte, error) {
	type Fields Snapshot
	timeByCategory := make(map[string]float64, len(s.TimeByCategory))
	distanceByCategory := make(map[string]float64, len(s.DistanceByCategory))
	for _, c := range speed.All {
		timeByCategory[c.String()] = s.TimeByCategory[c].Seconds()
		distanceByCategory[c.String()] = s.DistanceByCategory[c]
	}
	return json.Marshal(struct {
		Fields
		TotalDuration      float64            `json:"total_duration"`
		TotalDurationText  string             `json:"total_duration_text"`
		TimeByCategory     map[string]float64 `json:"time_by_category"`
		DistanceByCategory map[string]float64 `json:"distance_by_category"`
		MovingDuration     float64            `json:"moving_duration"`
		StoppedDuration    float64            `json:"stopped_duration"`
	}{
		Fields:             Fields(s),
		TotalDuration:      s.TotalDuration.Seconds(),
		TotalDurationText:  FormatDuration(s.TotalDuration),
		TimeByCategory:     timeByCategory,
		DistanceByCategory: distanceByCategory,
		MovingDuration:     s.MovingDuration.Seconds(),
		StoppedDuration:    s.StoppedDuration.Seconds(),
	})
}

func (s Stop) MarshalJSON() ([]byte, error) {
	type Fields Stop
	return json.Marshal(struct {
		Fields
		Duration     float64 `json:"duration"`
		DurationText string  `json:"duration_text"`
	}{Fields(s), s.Duration.Seconds(), FormatDuration(s.Duration)})
}

func (v Violation) MarshalJSON() ([]byte, error) {
	type Fields Violation
	return json.Marshal(struct {
		Fields
		Duration     float64 `json:"duration"`
		DurationText string  `json:"duration_text"`
	}{Fields(v), v.Duration.Seconds(), FormatDuration(v.Duration)})
}

func (s Segment) MarshalJSON() ([]byte, error) {
	type Fields Segment
	return json.Marshal(struct {
		Fields
		Duration float64 `json:"duration"`
	}{Fields(s), s.Duration.Seconds()})
}
