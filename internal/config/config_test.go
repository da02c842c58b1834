package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() string {
	return `
database_dsn: "postgres://localhost/seisdl"
event_webservice_url: "https://service.iris.edu/fdsnws/event/1/query"
event_start: 2020-01-01T00:00:00Z
event_end: 2020-01-02T00:00:00Z
min_magnitude: 4.5
radius_schedule:
  - magnitude: 4.5
    radius_deg: 2.0
  - magnitude: 7.0
    radius_deg: 10.0
`
}

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML()))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver) // default, not overridden
	assert.Equal(t, "eida", cfg.Routing)
	assert.Len(t, cfg.RadiusSchedule, 2)
	assert.Equal(t, 8, cfg.FetchConcurrency)
}

func TestParseRejectsMissingDatabaseDSN(t *testing.T) {
	_, err := Parse([]byte(`
event_webservice_url: "https://example.org"
event_start: 2020-01-01T00:00:00Z
event_end: 2020-01-02T00:00:00Z
radius_schedule: [{magnitude: 4.5, radius_deg: 2.0}]
`))
	require.Error(t, err)
}

func TestParseRejectsBadDatabaseDriver(t *testing.T) {
	cfg := validYAML() + "\ndatabase_driver: mysql\n"
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_driver")
}

func TestParseRejectsEventEndNotAfterStart(t *testing.T) {
	cfg := `
database_dsn: "postgres://localhost/seisdl"
event_webservice_url: "https://example.org"
event_start: 2020-01-02T00:00:00Z
event_end: 2020-01-01T00:00:00Z
radius_schedule: [{magnitude: 4.5, radius_deg: 2.0}]
`
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
}

func TestParseRejectsEmptyRadiusSchedule(t *testing.T) {
	cfg := `
database_dsn: "postgres://localhost/seisdl"
event_webservice_url: "https://example.org"
event_start: 2020-01-01T00:00:00Z
event_end: 2020-01-02T00:00:00Z
`
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius_schedule")
}

func TestDefaultIsValidOnceRequiredFieldsAreSet(t *testing.T) {
	cfg := Default()
	cfg.DatabaseDSN = "postgres://localhost/seisdl"
	cfg.EventWebServiceURL = "https://example.org"
	cfg.EventEnd = cfg.EventStart.AddDate(0, 0, 1)
	cfg.RadiusSchedule = []RadiusStep{{Magnitude: 4.5, RadiusDeg: 2.0}}
	assert.NoError(t, cfg.Validate())
}
