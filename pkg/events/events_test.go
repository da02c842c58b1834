package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/seisdl/pkg/fetch"
)

const sampleBody = `#EventID|Time|Latitude|Longitude|Depth|Author|Catalog|Contributor|ContributorID|MagType|Magnitude|MagAuthor|EventLocationName
evt1|2020-06-01T00:00:00.000000|10.0|20.0|5.0|x|x|x|x|mb|5.5|x|somewhere
bad-row|only|three|fields
evt2|2020-06-02T00:00:00|11.0|21.0|6.0|x|x|x|x|mb|not-a-number|x|elsewhere
`

func TestParseEventsSkipsMalformedRows(t *testing.T) {
	rows, malformed := parseEvents([]byte(sampleBody), 1)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, malformed)
	assert.Equal(t, "evt1", rows[0].EventID)
	assert.Equal(t, 5.5, rows[0].Magnitude)
}

func TestBuildQueryURLIncludesOptionalParams(t *testing.T) {
	mag := 4.5
	q := Query{WebServiceURL: "https://example.org/fdsnws/event/1/query", MinMagnitude: &mag}
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

	url := buildQueryURL(q, start, end)
	assert.Contains(t, url, "minmagnitude=4.5")
	assert.Contains(t, url, "format=text")
}

func TestFetchHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	fetcher := fetch.New(log.NewNopLogger())
	result, err := Fetch(context.Background(), log.NewNopLogger(), fetcher, Query{WebServiceURL: srv.URL, Start: time.Now(), End: time.Now()})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestFetchBisectsOn413(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	fetcher := fetch.New(log.NewNopLogger())
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)
	result, err := Fetch(context.Background(), log.NewNopLogger(), fetcher, Query{WebServiceURL: srv.URL, Start: start, End: end})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 3)
	assert.NotEmpty(t, result.Events)
}

func TestFetchTerminalOnEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(""))
	}))
	defer srv.Close()

	fetcher := fetch.New(log.NewNopLogger())
	_, err := Fetch(context.Background(), log.NewNopLogger(), fetcher, Query{WebServiceURL: srv.URL, Start: time.Now(), End: time.Now()})
	require.Error(t, err)
}
