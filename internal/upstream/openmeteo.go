package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
)

// Open-Meteo serves weather variables and air-quality variables from
// separate endpoints; a batch may need one call to each.
const (
	defaultWeatherURL    = "https://api.open-meteo.com/v1/forecast"
	defaultAirQualityURL = "https://air-quality-api.open-meteo.com/v1/air-quality"
)

// paramFor maps variables to Open-Meteo "current" parameter names.
var paramFor = map[observation.Variable]string{
	observation.VariableTemperature:   "temperature_2m",
	observation.VariableHumidity:      "relative_humidity_2m",
	observation.VariablePrecipitation: "precipitation",
	observation.VariableUV:            "uv_index",
	observation.VariablePM25:          "pm2_5",
}

// airQualityVariables need the air-quality endpoint rather than forecast.
var airQualityVariables = map[observation.Variable]bool{
	observation.VariablePM25: true,
}

// OpenMeteoSource implements PointSource against the Open-Meteo batch APIs.
type OpenMeteoSource struct {
	name          string
	weatherURL    string
	airQualityURL string
	timezone      string
	httpCfg       HTTPClientConfig
	circuit       *gobreaker.CircuitBreaker
	budget        *Budget
}

// NewOpenMeteoSource builds a source with default resilience settings and
// the given weighted daily budget.
func NewOpenMeteoSource(client *http.Client, budget *Budget) *OpenMeteoSource {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openmeteo",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &OpenMeteoSource{
		name:          "open-meteo",
		weatherURL:    defaultWeatherURL,
		airQualityURL: defaultAirQualityURL,
		timezone:      "UTC",
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
		budget:  budget,
	}
}

// SetEndpoints overrides the upstream URLs. Used by tests.
func (s *OpenMeteoSource) SetEndpoints(weatherURL, airQualityURL string) {
	s.weatherURL = weatherURL
	s.airQualityURL = airQualityURL
}

func (s *OpenMeteoSource) Name() string { return s.name }

// FetchBatch queries all variables for a batch of points. Weather and
// air-quality variables are fetched separately; a structural failure on
// either endpoint surfaces as VariableUnsupportedError for its variables
// while the other endpoint's results are still returned.
func (s *OpenMeteoSource) FetchBatch(
	ctx context.Context,
	points []geo.SamplePoint,
	variables []observation.Variable,
) ([]BatchValue, error) {
	if len(points) == 0 {
		return nil, nil
	}

	var weatherVars, airVars []observation.Variable
	for _, v := range variables {
		if _, ok := paramFor[v]; !ok {
			return nil, fmt.Errorf("unknown variable %q", v)
		}
		if airQualityVariables[v] {
			airVars = append(airVars, v)
		} else {
			weatherVars = append(weatherVars, v)
		}
	}

	results := make([]BatchValue, len(points))
	for i, p := range points {
		results[i] = BatchValue{
			PointID: p.ID,
			Values:  make(map[observation.Variable]*float64, len(variables)),
		}
	}

	var unsupported []observation.Variable
	if len(weatherVars) > 0 {
		if err := s.fetchInto(ctx, s.weatherURL, points, weatherVars, results); err != nil {
			if errors.Is(err, errNotFound) {
				unsupported = append(unsupported, weatherVars...)
			} else {
				return nil, err
			}
		}
	}
	if len(airVars) > 0 {
		if err := s.fetchInto(ctx, s.airQualityURL, points, airVars, results); err != nil {
			if errors.Is(err, errNotFound) {
				unsupported = append(unsupported, airVars...)
			} else {
				return nil, err
			}
		}
	}

	if len(unsupported) > 0 {
		return results, &VariableUnsupportedError{Variables: unsupported}
	}
	return results, nil
}

func (s *OpenMeteoSource) fetchInto(
	ctx context.Context,
	endpoint string,
	points []geo.SamplePoint,
	variables []observation.Variable,
	results []BatchValue,
) error {
	if s.budget != nil {
		if err := s.budget.Wait(ctx, Weight(len(points), len(variables))); err != nil {
			return err
		}
	}

	params := make([]string, len(variables))
	for i, v := range variables {
		params[i] = paramFor[v]
	}

	buildRequest := func() (*http.Request, error) {
		lats := make([]string, len(points))
		lons := make([]string, len(points))
		for i, p := range points {
			lats[i] = fmt.Sprintf("%.2f", p.Lat)
			lons[i] = fmt.Sprintf("%.2f", p.Lon)
		}

		values := url.Values{}
		values.Set("latitude", strings.Join(lats, ","))
		values.Set("longitude", strings.Join(lons, ","))
		values.Set("current", strings.Join(params, ","))
		values.Set("timezone", s.timezone)

		u := fmt.Sprintf("%s?%s", endpoint, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Open-Meteo returns a JSON array for multi-coordinate queries and a
	// single object for one coordinate.
	type currentPayload struct {
		Current map[string]*float64 `json:"current"`
	}

	var payloads []currentPayload
	if len(points) == 1 {
		var single currentPayload
		if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
			return err
		}
		payloads = []currentPayload{single}
	} else {
		if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
			return err
		}
	}

	for i := range results {
		if i >= len(payloads) {
			break
		}
		for j, v := range variables {
			if val, ok := payloads[i].Current[params[j]]; ok && val != nil {
				value := *val
				results[i].Values[v] = &value
			} else {
				results[i].Values[v] = nil
			}
		}
	}
	return nil
}
