// Package events implements the events stage: a single
// FDSN event-catalog query, recursively bisected on HTTP 413 until it
// fits, parsed into rows and deduplicated on (event_id, webservice_id).
package events

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
)

// Query is one events-stage request.
type Query struct {
	WebServiceURL string
	WebServiceID  int64
	Start, End    time.Time

	MinLatitude, MaxLatitude   *float64
	MinLongitude, MaxLongitude *float64
	MinDepthKM, MaxDepthKM     *float64
	MinMagnitude, MaxMagnitude *float64
}

// Result is the outcome of Fetch: the deduplicated rows plus any
// sub-range errors the bisection couldn't recover from (recoverable,
// logged and skipped).
type Result struct {
	Events      model.Batch[model.Event]
	RangeErrors []error
}

// Fetch executes the events stage. An empty final result is a terminal
// error.
func Fetch(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, q Query) (Result, error) {
	var all []model.Event
	var rangeErrs []error

	if err := fetchRange(ctx, logger, fetcher, q, q.Start, q.End, &all, &rangeErrs, 0); err != nil {
		return Result{}, err
	}

	deduped := model.DedupByKey(all, func(e model.Event) [2]string { return e.NaturalKey() })

	if len(deduped) == 0 {
		return Result{}, errs.NewTerminal("events stage returned no events", nil)
	}

	return Result{Events: deduped, RangeErrors: rangeErrs}, nil
}

const maxBisectionDepth = 20

// fetchRange issues one query for [start, end); on 413 it bisects and
// recurses into both halves, each accumulating into the same slices.
// At maxBisectionDepth the range is considered atomic: further failure
// is recorded in rangeErrs and that sub-range is skipped.
func fetchRange(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, q Query, start, end time.Time, out *[]model.Event, rangeErrs *[]error, depth int) error {
	reqURL := buildQueryURL(q, start, end)

	results := fetcher.Fetch(ctx, []fetch.Request{{Tag: "events", Method: "GET", URL: reqURL}})
	res := <-results

	switch {
	case errs.IsTerminal(res.Err):
		return res.Err

	case res.Err != nil:
		*rangeErrs = append(*rangeErrs, errors.Wrapf(res.Err, "events range [%s,%s)", start, end))
		return nil

	case res.StatusCode == 413:
		if depth >= maxBisectionDepth || !start.Before(end) {
			*rangeErrs = append(*rangeErrs, errors.Errorf("events range [%s,%s) still too large at max bisection depth", start, end))
			return nil
		}
		mid := start.Add(end.Sub(start) / 2)
		level.Debug(logger).Log("msg", "events query too large, bisecting", "start", start, "end", end, "mid", mid)
		if err := fetchRange(ctx, logger, fetcher, q, start, mid, out, rangeErrs, depth+1); err != nil {
			return err
		}
		return fetchRange(ctx, logger, fetcher, q, mid, end, out, rangeErrs, depth+1)

	case res.StatusCode >= 400:
		*rangeErrs = append(*rangeErrs, errors.Errorf("events range [%s,%s): HTTP %d", start, end, res.StatusCode))
		return nil
	}

	rows, malformed := parseEvents(res.Body, q.WebServiceID)
	if malformed > 0 {
		level.Warn(logger).Log("msg", "dropped malformed event rows", "count", malformed, "start", start, "end", end)
	}
	*out = append(*out, rows...)
	return nil
}

func buildQueryURL(q Query, start, end time.Time) string {
	v := url.Values{}
	v.Set("format", "text")
	v.Set("start", start.UTC().Format(time.RFC3339))
	v.Set("end", end.UTC().Format(time.RFC3339))
	setFloatParam(v, "minlatitude", q.MinLatitude)
	setFloatParam(v, "maxlatitude", q.MaxLatitude)
	setFloatParam(v, "minlongitude", q.MinLongitude)
	setFloatParam(v, "maxlongitude", q.MaxLongitude)
	setFloatParam(v, "mindepth", q.MinDepthKM)
	setFloatParam(v, "maxdepth", q.MaxDepthKM)
	setFloatParam(v, "minmagnitude", q.MinMagnitude)
	setFloatParam(v, "maxmagnitude", q.MaxMagnitude)

	base := strings.TrimRight(q.WebServiceURL, "?")
	return fmt.Sprintf("%s?%s", base, v.Encode())
}

func setFloatParam(v url.Values, key string, f *float64) {
	if f == nil {
		return
	}
	v.Set(key, strconv.FormatFloat(*f, 'f', -1, 64))
}

// parseEvents parses FDSN `|`-delimited event text: one
// event per line, header (if any) ignored, fields
// EventID|Time|Latitude|Longitude|Depth|...|Magnitude|...
func parseEvents(body []byte, webServiceID int64) ([]model.Event, int) {
	var out []model.Event
	malformed := 0

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 13 {
			malformed++
			continue
		}

		t, err := time.Parse("2006-01-02T15:04:05.999999", fields[1])
		if err != nil {
			t, err = time.Parse(time.RFC3339, fields[1])
			if err != nil {
				malformed++
				continue
			}
		}
		lat, errLat := strconv.ParseFloat(fields[2], 64)
		lon, errLon := strconv.ParseFloat(fields[3], 64)
		depth, errDepth := strconv.ParseFloat(fields[4], 64)
		mag, errMag := strconv.ParseFloat(fields[10], 64)

		if errLat != nil || errLon != nil || errDepth != nil || errMag != nil ||
			math.IsNaN(lat) || math.IsNaN(lon) || math.IsNaN(depth) || math.IsNaN(mag) {
			malformed++
			continue
		}

		out = append(out, model.Event{
			WebServiceID: webServiceID,
			EventID:      fields[0],
			Time:         t.UTC(),
			Latitude:     lat,
			Longitude:    lon,
			DepthKM:      depth,
			Magnitude:    mag,
		})
	}

	return out, malformed
}
