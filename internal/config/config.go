// Package config defines the YAML-driven configuration of a download
// run: plain fields, yaml tags, a Validate method, defaults
// applied before parsing rather than scattered through the code that
// consumes them.
package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RadiusStep is one entry of a piecewise-linear magnitude-to-radius
// search schedule.
type RadiusStep struct {
	Magnitude float64 `yaml:"magnitude"`
	RadiusDeg float64 `yaml:"radius_deg"`
}

// Retry is the retry-mask policy, one bool per outcome
// class that should be re-attempted on the next run.
type Retry struct {
	SegmentNotFound bool `yaml:"seg_not_found"`
	URLError        bool `yaml:"url_err"`
	MSEEDError      bool `yaml:"mseed_err"`
	ClientError     bool `yaml:"client_err"`
	ServerError     bool `yaml:"server_err"`
	TimespanError   bool `yaml:"timespan_err"`
	TimespanWarning bool `yaml:"timespan_warn"`
}

// Config is the full configuration of one download run.
type Config struct {
	DatabaseDSN string `yaml:"database_dsn"`
	DatabaseDriver string `yaml:"database_driver"` // "postgres" or "sqlite3"

	EventWebServiceURL string    `yaml:"event_webservice_url"`
	EventStart         time.Time `yaml:"event_start"`
	EventEnd           time.Time `yaml:"event_end"`
	MinMagnitude       float64   `yaml:"min_magnitude"`
	MaxMagnitude       float64   `yaml:"max_magnitude"`

	// Routing selects which data centers are queried: explicit URL,
	// "iris" or "eida".
	Routing string `yaml:"routing"`

	NetworkSelection  string `yaml:"network"`
	StationSelection  string `yaml:"station"`
	LocationSelection string `yaml:"location"`
	ChannelSelection  string `yaml:"channel"`
	MinSampleRateHz   float64 `yaml:"min_sample_rate_hz"`

	RadiusSchedule []RadiusStep `yaml:"radius_schedule"`
	TravelTimeModel string      `yaml:"travel_time_model"`

	WindowBeforeArrivalMinutes float64 `yaml:"window_before_arrival_minutes"`
	WindowAfterArrivalMinutes  float64 `yaml:"window_after_arrival_minutes"`

	Retry Retry `yaml:"retry"`

	FetchConcurrency      int     `yaml:"fetch_concurrency"`
	DownloadBatchSize     int     `yaml:"download_batch_size"`
	PerHostConcurrency    int64   `yaml:"per_host_concurrency"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	MemoryThreshold       float64 `yaml:"memory_threshold"`

	ProgramVersion string `yaml:"-"`

	// RawYAML is the exact config text Parse was given, stamped
	// verbatim into Download.config by the driver. Never
	// round-tripped through yaml itself, so it can't drift from what
	// the operator actually ran with.
	RawYAML string `yaml:"-"`
}

// Parse decodes YAML config text, stores it verbatim for persistence
// into Download.config, and validates it.
func Parse(text []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(text, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config yaml")
	}
	cfg.RawYAML = string(text)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a Config with every non-zero-safe default applied.
func Default() Config {
	return Config{
		DatabaseDriver:             "postgres",
		Routing:                    "eida",
		MinSampleRateHz:            0,
		WindowBeforeArrivalMinutes: 2,
		WindowAfterArrivalMinutes:  5,
		FetchConcurrency:           8,
		DownloadBatchSize:          50,
		PerHostConcurrency:         4,
		RequestTimeoutSeconds:      120,
		MemoryThreshold:            0.90,
		Retry: Retry{
			URLError:        true,
			ServerError:     true,
			TimespanWarning: true,
		},
	}
}

// Validate checks the invariants a malformed config could otherwise
// violate silently deep in the pipeline.
func (c Config) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("database_dsn is required")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite3" {
		return errors.Errorf("database_driver must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}
	if c.EventWebServiceURL == "" {
		return errors.New("event_webservice_url is required")
	}
	if !c.EventEnd.After(c.EventStart) {
		return errors.New("event_end must be after event_start")
	}
	switch c.Routing {
	case "iris", "eida":
	default:
		if c.Routing == "" {
			return errors.New("routing is required")
		}
	}
	if len(c.RadiusSchedule) == 0 {
		return errors.New("radius_schedule must have at least one step")
	}
	if c.FetchConcurrency <= 0 {
		return errors.New("fetch_concurrency must be positive")
	}
	if c.WindowBeforeArrivalMinutes < 0 || c.WindowAfterArrivalMinutes < 0 {
		return errors.New("arrival window offsets must not be negative")
	}
	return nil
}

// WindowBeforeArrival is the signed offset from arrival time at which a
// segment's request window opens.
func (c Config) WindowBeforeArrival() time.Duration {
	return -time.Duration(c.WindowBeforeArrivalMinutes * float64(time.Minute))
}

// WindowAfterArrival is the offset from arrival time at which a
// segment's request window closes.
func (c Config) WindowAfterArrival() time.Duration {
	return time.Duration(c.WindowAfterArrivalMinutes * float64(time.Minute))
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
