package timeline

import "fleet-replay/internal/models"

// Frame is what a renderer needs to draw the playback position
type Frame struct {
	Index    int            `json:"index"`
	Current  models.Sample  `json:"current"`
	Previous *models.Sample `json:"previous,omitempty"`
	Next     *models.Sample `json:"next,omitempty"`
	Label    string         `json:"label"`
	Progress float64        `json:"progress"` // percent, 0-100
}

// FrameAt builds the frame for index
func (m *Mapper) FrameAt(index int) Frame {
	samples := m.samples
	index = m.Clamp(index)
	f := Frame{
		Index:    index,
		Current:  samples[index],
		Label:    m.LabelAt(index),
		Progress: m.ProgressOf(index) * 100,
	}
	if index > 0 {
		prev := samples[index-1]
		f.Previous = &prev
	}
	if index < m.Last() {
		next := samples[index+1]
		f.Next = &next
	}
	return f
}
