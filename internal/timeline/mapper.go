package timeline

import (
	"errors"
	"math"
	"sort"
	"time"

	"fleet-replay/internal/models"
)

// ErrEmptyRoute is returned when a mapper is built over no samples
var ErrEmptyRoute = errors.New("timeline: route has no samples")

// DefaultLayout formats labels as hour:minute:second
const DefaultLayout = "15:04:05"

// Options configure label formatting. Location and layout are never read
// from the process environment.
type Options struct {
	Location *time.Location
	Layout   string
}

// Mapper converts between scrub-bar progress, sample indices and times
type Mapper struct {
	samples []models.Sample
	loc     *time.Location
	layout  string
}

// New builds a mapper over a time-ordered route. The slice is retained and
// must not be modified afterwards.
func New(samples []models.Sample, opts Options) (*Mapper, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyRoute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Layout == "" {
		opts.Layout = DefaultLayout
	}
	return &Mapper{samples: samples, loc: opts.Location, layout: opts.Layout}, nil
}

// Len returns the number of samples
func (m *Mapper) Len() int {
	return len(m.samples)
}

// Last returns the index of the final sample
func (m *Mapper) Last() int {
	return len(m.samples) - 1
}

// Clamp forces index into [0, Last()]
func (m *Mapper) Clamp(index int) int {
	if index < 0 {
		return 0
	}
	if index > m.Last() {
		return m.Last()
	}
	return index
}

// IndexAt maps a progress ratio to the nearest sample index. The ratio is
// clamped to [0,1]; NaN maps to 0.
func (m *Mapper) IndexAt(progress float64) int {
	if math.IsNaN(progress) || progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return m.Clamp(int(math.Round(progress * float64(m.Last()))))
}

// ProgressOf maps an index to its progress ratio
func (m *Mapper) ProgressOf(index int) float64 {
	if m.Last() == 0 {
		return 0
	}
	return float64(m.Clamp(index)) / float64(m.Last())
}

// TimestampAt returns the timestamp of the sample at index
func (m *Mapper) TimestampAt(index int) time.Time {
	return m.samples[m.Clamp(index)].Timestamp
}

// LabelAt formats the timestamp at index in the configured location
func (m *Mapper) LabelAt(index int) string {
	return m.TimestampAt(index).In(m.loc).Format(m.layout)
}

// IndexAtTime returns the sample closest in time to t, preferring the
// earlier one on ties
func (m *Mapper) IndexAtTime(t time.Time) int {
	i := sort.Search(len(m.samples), func(i int) bool { return !m.samples[i].Timestamp.Before(t) })
	switch {
	case i == 0:
		return 0
	case i == len(m.samples):
		return m.Last()
	}
	if t.Sub(m.samples[i-1].Timestamp) <= m.samples[i].Timestamp.Sub(t) {
		return i - 1
	}
	return i
}

// Window returns the index range [from, to] of samples inside the time
// window, and false when no sample falls inside it
func (m *Mapper) Window(start, end time.Time) (int, int, bool) {
	from := sort.Search(len(m.samples), func(i int) bool { return !m.samples[i].Timestamp.Before(start) })
	to := sort.Search(len(m.samples), func(i int) bool { return m.samples[i].Timestamp.After(end) }) - 1
	if from > to || from >= len(m.samples) || to < 0 {
		return 0, 0, false
	}
	return from, to, true
}

// MarkerIndices returns evenly spaced indices for sparse tick rendering,
// using a stride of ceil(count/maxMarkers)
func (m *Mapper) MarkerIndices(maxMarkers int) []int {
	if maxMarkers <= 0 {
		return nil
	}
	n := len(m.samples)
	stride := (n + maxMarkers - 1) / maxMarkers
	indices := make([]int, 0, maxMarkers)
	for i := 0; i < n; i += stride {
		indices = append(indices, i)
	}
	return indices
}

// Marker is one labelled tick on a scrub bar
type Marker struct {
	Index    int     `json:"index"`
	Label    string  `json:"label"`
	Progress float64 `json:"progress"`
}

// Markers returns labelled ticks for MarkerIndices
func (m *Mapper) Markers(maxMarkers int) []Marker {
	indices := m.MarkerIndices(maxMarkers)
	markers := make([]Marker, len(indices))
	for i, idx := range indices {
		markers[i] = Marker{Index: idx, Label: m.LabelAt(idx), Progress: m.ProgressOf(idx)}
	}
	return markers
}
