package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/seisdl/internal/wildcard"
	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
)

const sampleStationText = `#Network|Station|Location|Channel|Latitude|Longitude|Elevation|StartTime|EndTime|SampleRate
NL|HGN|00|BHZ|50.9|5.9|10|2020-01-01T00:00:00|2599-12-31T00:00:00|100
NL|SHORT|00|BHZ
`

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE stations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data_center_id INTEGER NOT NULL,
		network TEXT NOT NULL,
		station TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		start_time TEXT NOT NULL,
		end_time TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id INTEGER NOT NULL,
		location TEXT NOT NULL,
		channel TEXT NOT NULL,
		sample_rate REAL
	)`)
	require.NoError(t, err)
	return db
}

func TestParseStationTextSkipsCommentsAndShortRows(t *testing.T) {
	rows := parseStationText([]byte(sampleStationText), 7)
	require.Len(t, rows, 1)
	assert.Equal(t, "NL", rows[0].Station.Network)
	assert.Equal(t, "HGN", rows[0].Station.Station)
	assert.Equal(t, int64(7), rows[0].DataCenterID)
	assert.Equal(t, "BHZ", rows[0].Channel.Channel)
}

func TestPostFilterAppliesNegationAndMinSampleRate(t *testing.T) {
	rows := Batch{
		{Channel: model.Channel{Location: "00", Channel: "BHZ", SampleRate: 100}},
		{Channel: model.Channel{Location: "10", Channel: "BHZ", SampleRate: 100}},
		{Channel: model.Channel{Location: "00", Channel: "BHN", SampleRate: 1}},
	}
	locSel, err := wildcard.ParseSelection("!10")
	require.NoError(t, err)
	chaSel, err := wildcard.ParseSelection("*")
	require.NoError(t, err)

	out := postFilter(rows, locSel, chaSel, 50)
	require.Len(t, out, 1)
	assert.Equal(t, "00", out[0].Channel.Location)
	assert.Equal(t, "BHZ", out[0].Channel.Channel)
}

func TestResolveDuplicatesPrefersValidatorAcceptedDC(t *testing.T) {
	rows := Batch{
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, Channel: model.Channel{Location: "00", Channel: "BHZ"}, DataCenterID: 1},
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, Channel: model.Channel{Location: "00", Channel: "BHZ"}, DataCenterID: 2},
	}
	dcURLByID := map[int64]string{1: "https://dc1.example.org/fdsnws/dataselect/1/query", 2: "https://dc2.example.org/fdsnws/dataselect/1/query"}
	validator := func(dcURL string, net, sta, loc, cha string) bool { return dcURL == dcURLByID[2] }
	out := resolveDuplicates(log.NewNopLogger(), rows, validator, dcURLByID)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].DataCenterID)
}

func TestResolveDuplicatesDropsWhenValidatorAcceptsNone(t *testing.T) {
	rows := Batch{
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, Channel: model.Channel{Location: "00", Channel: "BHZ"}, DataCenterID: 1},
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, Channel: model.Channel{Location: "00", Channel: "BHZ"}, DataCenterID: 2},
	}
	dcURLByID := map[int64]string{1: "https://dc1.example.org/fdsnws/dataselect/1/query", 2: "https://dc2.example.org/fdsnws/dataselect/1/query"}
	validator := func(dcURL string, net, sta, loc, cha string) bool { return false }
	out := resolveDuplicates(log.NewNopLogger(), rows, validator, dcURLByID)
	assert.Empty(t, out)
}

func TestResolveDuplicatesNoValidatorPrefersKnownStationID(t *testing.T) {
	rows := Batch{
		{Station: model.Station{ID: 9, Network: "NL", Station: "HGN", StartTime: fixedTime()}, DataCenterID: 1},
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, DataCenterID: 2},
	}
	out := resolveDuplicates(log.NewNopLogger(), rows, nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].DataCenterID)
}

func TestResolveDuplicatesNoConflictPassesThrough(t *testing.T) {
	rows := Batch{
		{Station: model.Station{Network: "NL", Station: "HGN", StartTime: fixedTime()}, DataCenterID: 1},
		{Station: model.Station{Network: "GB", Station: "CCA", StartTime: fixedTime()}, DataCenterID: 2},
	}
	out := resolveDuplicates(log.NewNopLogger(), rows, nil, nil)
	assert.Len(t, out, 2)
}

func TestQueryKnownChannelsFiltersByDataCenterAndWildcard(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO stations (id, data_center_id, network, station, latitude, longitude, start_time, end_time)
		VALUES (1, 5, 'NL', 'HGN', 50.9, 5.9, '2020-01-01T00:00:00Z', NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO channels (id, station_id, location, channel, sample_rate) VALUES (1, 1, '00', 'BHZ', 100)`)
	require.NoError(t, err)

	rows, err := queryKnownChannels(context.Background(), db, model.DataCenter{ID: 5}, Filter{Network: "NL", Station: "*", Location: "*", Channel: "*"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Station.ID)
	assert.Equal(t, int64(5), rows[0].DataCenterID)
}

func TestQueryKnownChannelsReturnsNoneForOtherDataCenter(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO stations (id, data_center_id, network, station, latitude, longitude, start_time, end_time)
		VALUES (1, 5, 'NL', 'HGN', 50.9, 5.9, '2020-01-01T00:00:00Z', NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO channels (id, station_id, location, channel, sample_rate) VALUES (1, 1, '00', 'BHZ', 100)`)
	require.NoError(t, err)

	rows, err := queryKnownChannels(context.Background(), db, model.DataCenter{ID: 99}, Filter{Network: "*", Station: "*", Location: "*", Channel: "*"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDiscoverFallsBackToDBWhenWebRequestFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO stations (id, data_center_id, network, station, latitude, longitude, start_time, end_time)
		VALUES (1, 1, 'NL', 'HGN', 50.9, 5.9, '2020-01-01T00:00:00Z', NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO channels (id, station_id, location, channel, sample_rate) VALUES (1, 1, '00', 'BHZ', 100)`)
	require.NoError(t, err)

	engine := dbsync.New(db, log.NewNopLogger(), dbsync.Options{})
	fetcher := fetch.New(log.NewNopLogger(), fetch.WithRetry(fetch.RetryConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1}))

	result, err := Discover(context.Background(), log.NewNopLogger(), fetcher, db, engine,
		[]model.DataCenter{{ID: 1, StationURL: srv.URL}}, nil,
		Filter{Network: "*", Station: "*", Location: "*", Channel: "*", Start: fixedTime(), End: fixedTime().AddDate(1, 0, 0)})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(1), result.Rows[0].DataCenterID)
}

func TestDiscoverTerminalWhenNothingFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db := newTestDB(t)
	engine := dbsync.New(db, log.NewNopLogger(), dbsync.Options{})
	fetcher := fetch.New(log.NewNopLogger(), fetch.WithRetry(fetch.RetryConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1}))

	_, err := Discover(context.Background(), log.NewNopLogger(), fetcher, db, engine,
		[]model.DataCenter{{ID: 1, StationURL: srv.URL}}, nil,
		Filter{Network: "*", Station: "*", Location: "*", Channel: "*", Start: fixedTime(), End: fixedTime().AddDate(1, 0, 0)})
	require.Error(t, err)
}

func fixedTime() time.Time {
	return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
}
