package speed

import "fmt"

// Style is the display configuration of one category
type Style struct {
	Color string `json:"color" koanf:"color"`
	Label string `json:"label" koanf:"label"`
	Icon  string `json:"icon,omitempty" koanf:"icon"`
}

// Palette holds the display style of each category
type Palette map[Category]Style

// DefaultPalette returns the standard dashboard colours and labels
func DefaultPalette() Palette {
	return Palette{
		Stationary: {Color: "#6b7280", Label: "Stationary", Icon: "⏸️"},
		Slow:       {Color: "#10b981", Label: "Slow (0-20 km/h)", Icon: "🐌"},
		City:       {Color: "#f59e0b", Label: "City (20-50 km/h)", Icon: "🏙️"},
		Highway:    {Color: "#f97316", Label: "Highway (50-90 km/h)", Icon: "🛣️"},
		HighSpeed:  {Color: "#ef4444", Label: "High Speed (90+ km/h)", Icon: "🏁"},
		NoData:     {Color: "#9ca3af", Label: "No Data"},
	}
}

// withDefaults fills any category missing from p with the default style
func (p Palette) withDefaults() Palette {
	out := DefaultPalette()
	for c, s := range p {
		def := out[c]
		if s.Color == "" {
			s.Color = def.Color
		}
		if s.Label == "" {
			s.Label = def.Label
		}
		if s.Icon == "" {
			s.Icon = def.Icon
		}
		out[c] = s
	}
	return out
}

func (p Palette) style(c Category) Style {
	if s, ok := p[c]; ok {
		return s
	}
	return p[NoData]
}

// LegendItem is one row of a speed legend
type LegendItem struct {
	Category Category `json:"category"`
	Color    string   `json:"color"`
	Label    string   `json:"label"`
	Range    string   `json:"range"`
	Icon     string   `json:"icon,omitempty"`
}

// Legend returns legend rows for the ordered categories
func (c *Classifier) Legend() []LegendItem {
	t := c.thresholds
	ranges := map[Category]string{
		Stationary: fmt.Sprintf("%g km/h", t.Stationary),
		Slow:       fmt.Sprintf("%g-%g km/h", t.Stationary, t.Slow),
		City:       fmt.Sprintf("%g-%g km/h", t.Slow, t.City),
		Highway:    fmt.Sprintf("%g-%g km/h", t.City, t.Highway),
		HighSpeed:  fmt.Sprintf("%g+ km/h", t.Highway),
	}

	items := make([]LegendItem, 0, len(Ordered))
	for _, cat := range Ordered {
		s := c.palette.style(cat)
		items = append(items, LegendItem{
			Category: cat,
			Color:    s.Color,
			Label:    s.Label,
			Range:    ranges[cat],
			Icon:     s.Icon,
		})
	}
	return items
}
