package observation

import (
	"time"

	"github.com/google/uuid"
)

// Variable identifies one environmental quantity rendered as a map layer.
type Variable string

const (
	VariablePM25          Variable = "pm25"
	VariableTemperature   Variable = "temperature"
	VariableHumidity      Variable = "humidity"
	VariablePrecipitation Variable = "precipitation"
	VariableUV            Variable = "uv"
)

// AllVariables lists every supported variable in a fixed order.
var AllVariables = []Variable{
	VariablePM25,
	VariableTemperature,
	VariableHumidity,
	VariablePrecipitation,
	VariableUV,
}

// KnownVariable reports whether v names a supported variable.
func KnownVariable(v Variable) bool {
	for _, known := range AllVariables {
		if v == known {
			return true
		}
	}
	return false
}

// Unit returns the measurement unit for the variable.
func (v Variable) Unit() string {
	switch v {
	case VariablePM25:
		return "µg/m³"
	case VariableTemperature:
		return "°C"
	case VariableHumidity:
		return "%"
	case VariablePrecipitation:
		return "mm"
	case VariableUV:
		return "UVI"
	default:
		return ""
	}
}

// Quality flags how an observation was obtained.
type Quality string

const (
	QualityObserved    Quality = "observed"
	QualityUnavailable Quality = "unavailable"
)

// Observation is one per-point, per-variable reading from a refresh cycle.
// Value is nil when the upstream reported the pair unavailable.
type Observation struct {
	PointID   string    `json:"point_id"`
	Variable  Variable  `json:"variable"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Quality   Quality   `json:"quality"`
}

// PointRecord is the full per-variable observation set at one sample point.
type PointRecord struct {
	Lat          float64                  `json:"latitude"`
	Lon          float64                  `json:"longitude"`
	Observations map[Variable]Observation `json:"observations"`
}

// CycleSnapshot is the immutable result of one full refresh cycle. Whole
// snapshots are superseded together; individual records are never patched.
type CycleSnapshot struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Points    map[string]PointRecord `json:"points"`

	// Unavailable lists variables the upstream rejected for the whole
	// coverage area this cycle.
	Unavailable []Variable `json:"unavailable,omitempty"`
}

// VariableUnavailable reports whether v was marked unavailable cycle-wide.
func (s *CycleSnapshot) VariableUnavailable(v Variable) bool {
	for _, u := range s.Unavailable {
		if u == v {
			return true
		}
	}
	return false
}
