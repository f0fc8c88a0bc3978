package models

import (
	"fmt"
	"time"
)

// DateRange is an inclusive time window used to select a route
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Preset names accepted by RangeForPreset
const (
	PresetToday      = "today"
	PresetYesterday  = "yesterday"
	PresetLast7Days  = "last7days"
	PresetThisWeek   = "thisWeek"
	PresetThisMonth  = "thisMonth"
	PresetLast30Days = "last30days"
)

// Presets lists the preset keys with their display labels
var Presets = []struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}{
	{PresetToday, "Today"},
	{PresetYesterday, "Yesterday"},
	{PresetLast7Days, "Last 7 Days"},
	{PresetThisWeek, "This Week"},
	{PresetThisMonth, "This Month"},
	{PresetLast30Days, "Last 30 Days"},
}

// RangeForPreset resolves a preset relative to now in loc. Weeks start on Sunday.
func RangeForPreset(preset string, now time.Time, loc *time.Location) (DateRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	endOfToday := today.AddDate(0, 0, 1).Add(-time.Nanosecond)

	switch preset {
	case PresetToday:
		return DateRange{Start: today, End: endOfToday}, nil
	case PresetYesterday:
		return DateRange{Start: today.AddDate(0, 0, -1), End: today.Add(-time.Nanosecond)}, nil
	case PresetLast7Days:
		return DateRange{Start: today.AddDate(0, 0, -7), End: endOfToday}, nil
	case PresetLast30Days:
		return DateRange{Start: today.AddDate(0, 0, -30), End: endOfToday}, nil
	case PresetThisWeek:
		return DateRange{Start: today.AddDate(0, 0, -int(today.Weekday())), End: endOfToday}, nil
	case PresetThisMonth:
		return DateRange{Start: time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc), End: endOfToday}, nil
	default:
		return DateRange{}, fmt.Errorf("unknown date range preset: %q", preset)
	}
}
