package tiles

import (
	"fmt"
	"image/color"
	"math"

	"github.com/qclimate/climate-tiles/internal/observation"
)

// DefaultTileAlpha keeps overlays translucent enough for basemap blending.
const DefaultTileAlpha = 200

// Style is one variable's immutable rendering configuration: ascending
// thresholds and a matching color per bucket. Styles are loaded once and
// passed explicitly; nothing mutates them after startup.
type Style struct {
	Variable   observation.Variable
	Version    string
	Thresholds []float64
	Colors     []color.NRGBA

	// DynamicThresholds stretches the threshold table to the cycle's data
	// range. Used for patchy fields whose fixed breaks would wash out.
	DynamicThresholds bool
}

// Validate checks the invariants the renderer relies on.
func (s Style) Validate() error {
	if len(s.Thresholds) < 2 {
		return fmt.Errorf("style %s: need at least 2 thresholds", s.Variable)
	}
	if len(s.Thresholds) != len(s.Colors) {
		return fmt.Errorf("style %s: %d thresholds but %d colors", s.Variable, len(s.Thresholds), len(s.Colors))
	}
	for i := 1; i < len(s.Thresholds); i++ {
		if s.Thresholds[i] <= s.Thresholds[i-1] {
			return fmt.Errorf("style %s: thresholds must be strictly ascending", s.Variable)
		}
	}
	return nil
}

// ForDataMax returns a copy with thresholds stretched to a rounded-up data
// maximum when the style uses dynamic thresholds; otherwise the style is
// returned unchanged.
func (s Style) ForDataMax(dataMax float64) Style {
	if !s.DynamicThresholds || len(s.Colors) < 2 {
		return s
	}
	maxVal := dataMax
	if !(maxVal > 0) || math.IsInf(maxVal, 0) || math.IsNaN(maxVal) {
		maxVal = 1.0
	}
	maxVal = niceCeil(maxVal)

	n := len(s.Colors)
	thresholds := make([]float64, n)
	for i := range thresholds {
		thresholds[i] = math.Round(maxVal*float64(i)/float64(n-1)*100) / 100
	}
	// Keep strictly ascending even after rounding.
	for i := 1; i < n; i++ {
		if thresholds[i] <= thresholds[i-1] {
			thresholds[i] = thresholds[i-1] + 0.01
		}
	}

	out := s
	out.Thresholds = thresholds
	out.Version = s.Version + "+dyn"
	return out
}

// niceCeil rounds a value up to a "nice" legend maximum.
func niceCeil(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	nice := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
		120, 150, 200, 250, 300, 400, 500, 600, 700, 800, 900, 1000}
	for _, n := range nice {
		if v <= n {
			return n
		}
	}
	order := math.Pow(10, math.Floor(math.Log10(v)))
	return math.Ceil(v/order) * order
}

func rgba(hex string) color.NRGBA {
	var r, g, b uint8
	fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	return color.NRGBA{R: r, G: g, B: b, A: DefaultTileAlpha}
}

// DefaultStyles returns the built-in style table keyed by variable.
func DefaultStyles() map[observation.Variable]Style {
	return map[observation.Variable]Style{
		observation.VariablePM25: {
			Variable:          observation.VariablePM25,
			Version:           "v1",
			Thresholds:        []float64{0, 12, 35, 55, 150},
			Colors:            []color.NRGBA{rgba("#00ff00"), rgba("#87ff00"), rgba("#ffff00"), rgba("#ff6600"), rgba("#ff0000")},
			DynamicThresholds: true,
		},
		observation.VariablePrecipitation: {
			Variable:          observation.VariablePrecipitation,
			Version:           "v1",
			Thresholds:        []float64{0, 0.5, 2, 10, 50},
			Colors:            []color.NRGBA{rgba("#ffffff"), rgba("#87ceeb"), rgba("#4169e1"), rgba("#0000ff"), rgba("#00008b")},
			DynamicThresholds: true,
		},
		observation.VariableUV: {
			Variable:   observation.VariableUV,
			Version:    "v1",
			Thresholds: []float64{0, 3, 6, 8, 11},
			Colors:     []color.NRGBA{rgba("#289500"), rgba("#f7e400"), rgba("#f85900"), rgba("#d8001d"), rgba("#6b49c8")},
		},
		observation.VariableHumidity: {
			Variable:   observation.VariableHumidity,
			Version:    "v1",
			Thresholds: []float64{0, 30, 50, 70, 90},
			Colors:     []color.NRGBA{rgba("#8b4513"), rgba("#daa520"), rgba("#ffd700"), rgba("#87ceeb"), rgba("#4169e1")},
		},
		observation.VariableTemperature: {
			Variable:   observation.VariableTemperature,
			Version:    "v1",
			Thresholds: []float64{0, 10, 20, 30, 40},
			Colors:     []color.NRGBA{rgba("#0000ff"), rgba("#87ceeb"), rgba("#ffff00"), rgba("#ff6600"), rgba("#ff0000")},
		},
	}
}

// HexColors renders the style's colors as #rrggbb strings for metadata and
// legend consumers.
func (s Style) HexColors() []string {
	out := make([]string, len(s.Colors))
	for i, c := range s.Colors {
		out[i] = fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return out
}
