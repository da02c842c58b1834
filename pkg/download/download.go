// Package download implements the waveform downloader:
// batched POST per data center, 413-fallback to singleton requests,
// per-record classification via the external mini-binary decoder, and
// streaming persistence with a per-datacenter-host stats matrix.
//
// Requests to a single data center host are additionally throttled
// through a per-host semaphore so one slow host cannot absorb the
// whole worker pool.
package download

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
	"github.com/quakewatch/seisdl/pkg/mseed"
	"github.com/quakewatch/seisdl/pkg/planner"
)

// ChannelInfo is the (network, station, location, channel) identity
// needed to render a dataselect request line, keyed by channel id.
type ChannelInfo struct {
	Network, Station, Location, Channel string
}

// Metrics is the Prometheus instrumentation for the downloader's
// per-host response-code matrix.
type Metrics struct {
	responseCodes *prometheus.CounterVec
}

// NewMetrics registers the downloader's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		responseCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seisdl",
			Subsystem: "download",
			Name:      "response_codes_total",
			Help:      "Count of segment download outcomes by data center host and response code.",
		}, []string{"host", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.responseCodes)
	}
	return m
}

func (m *Metrics) observe(host string, code int) {
	if m == nil {
		return
	}
	m.responseCodes.WithLabelValues(host, fmt.Sprintf("%d", code)).Inc()
}

// Stats is the data_center_host × response_code matrix returned to the
// caller.
type Stats map[string]map[int]int

func (s Stats) add(host string, code int) {
	if s[host] == nil {
		s[host] = make(map[int]int)
	}
	s[host][code]++
}

// Total sums every cell, used by callers to verify
// inserted+updated == sum(stats).
func (s Stats) Total() int {
	n := 0
	for _, byCode := range s {
		for _, count := range byCode {
			n += count
		}
	}
	return n
}

type groupKey struct {
	dataCenterID             int64
	requestStart, requestEnd int64 // unix nanos
}

// Execute runs the downloader over planned segments.
func Execute(
	ctx context.Context,
	logger log.Logger,
	fetcher *fetch.Fetcher,
	decoder mseed.Decoder,
	engine *dbsync.Engine,
	metrics *Metrics,
	planned []planner.PlannedSegment,
	channelInfo map[int64]ChannelInfo,
	dataCenters map[int64]model.DataCenter,
	downloadID int64,
	perHostConcurrency int64,
	batchSize int,
) (Stats, error) {
	stats := make(Stats)
	streamer := engine.NewUpsertStreamer("segments",
		[]string{"channel_id", "event_id"}, "id",
		[]string{"data_center_id", "download_id", "event_distance_deg", "arrival_time",
			"request_start", "request_end", "start_time", "end_time", "sample_rate",
			"data", "data_identifier", "maxgap_numsamples", "download_code"},
		batchSize, func(re dbsync.RowError) {
			level.Warn(logger).Log("msg", "segment row rejected by sync engine", "err", re.Err)
		})

	hostSemaphores := newHostSemaphores(perHostConcurrency)

	groups := groupSegments(planned)

	var mu sync.Mutex
	var deferredMu sync.Mutex
	var deferredSingleton []planner.PlannedSegment

	// Fan out across groups concurrently, same pattern as pkg/channels.fallbackFromDB's per-DC fan-out, one
	// goroutine per group gated by the per-host semaphore rather than
	// processing data centers strictly sequentially.
	g, gctx := errgroup.WithContext(ctx)
	for key, rows := range groups {
		key, rows := key, rows
		g.Go(func() error {
			dc := dataCenters[key.dataCenterID]
			host := dc.Host()

			if err := hostSemaphores.acquire(gctx, host); err != nil {
				return err
			}
			result := fetchGroup(gctx, fetcher, channelInfo, dc, rows)
			hostSemaphores.release(host)

			if errs.IsTerminal(result.err) {
				return result.err
			}

			if result.is413 && len(rows) > 1 {
				deferredMu.Lock()
				deferredSingleton = append(deferredSingleton, rows...)
				deferredMu.Unlock()
				return nil
			}

			classified := classify(logger, decoder, channelInfo, result, rows)
			return persistAndCount(gctx, streamer, stats, metrics, host, downloadID, classified, &mu)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(deferredSingleton) > 0 {
		level.Info(logger).Log("msg", "retrying deferred segments at singleton granularity", "count", len(deferredSingleton))

		g2, gctx2 := errgroup.WithContext(ctx)
		for _, seg := range deferredSingleton {
			seg := seg
			g2.Go(func() error {
				dc := dataCenters[seg.DataCenterID]
				host := dc.Host()

				if err := hostSemaphores.acquire(gctx2, host); err != nil {
					return err
				}
				result := fetchGroup(gctx2, fetcher, channelInfo, dc, []planner.PlannedSegment{seg})
				hostSemaphores.release(host)

				if errs.IsTerminal(result.err) {
					return result.err
				}

				classified := classify(logger, decoder, channelInfo, result, []planner.PlannedSegment{seg})
				return persistAndCount(gctx2, streamer, stats, metrics, host, downloadID, classified, &mu)
			})
		}
		if err := g2.Wait(); err != nil {
			return nil, err
		}
	}

	if _, err := streamer.Close(ctx); err != nil {
		return nil, err
	}

	return stats, nil
}

// groupSegments groups planned rows by
// (datacenter_id, request_start, request_end).
func groupSegments(planned []planner.PlannedSegment) map[groupKey][]planner.PlannedSegment {
	groups := make(map[groupKey][]planner.PlannedSegment)
	for _, seg := range planned {
		key := groupKey{
			dataCenterID: seg.DataCenterID,
			requestStart: seg.RequestStart.UnixNano(),
			requestEnd:   seg.RequestEnd.UnixNano(),
		}
		groups[key] = append(groups[key], seg)
	}
	return groups
}

type fetchOutcome struct {
	err        error
	statusCode int
	body       []byte
	is413      bool

	requestStart, requestEnd time.Time
}

func fetchGroup(ctx context.Context, fetcher *fetch.Fetcher, channelInfo map[int64]ChannelInfo, dc model.DataCenter, rows []planner.PlannedSegment) fetchOutcome {
	body := buildDataselectBody(channelInfo, rows)
	results := fetcher.Fetch(ctx, []fetch.Request{{
		Tag:    "download",
		Method: "POST",
		URL:    dc.DataselectURL,
		Body:   []byte(body),
	}})
	res := <-results

	return fetchOutcome{
		err:          res.Err,
		statusCode:   res.StatusCode,
		body:         res.Body,
		is413:        res.StatusCode == 413,
		requestStart: rows[0].RequestStart,
		requestEnd:   rows[0].RequestEnd,
	}
}

func buildDataselectBody(channelInfo map[int64]ChannelInfo, rows []planner.PlannedSegment) string {
	var b strings.Builder
	for _, seg := range rows {
		ci := channelInfo[seg.ChannelID]
		loc := ci.Location
		if loc == "" {
			loc = "--"
		}
		fmt.Fprintf(&b, "%s %s %s %s %s %s\n", ci.Network, ci.Station, loc, ci.Channel,
			seg.RequestStart.UTC().Format(time.RFC3339), seg.RequestEnd.UTC().Format(time.RFC3339))
	}
	return b.String()
}

type classifiedRow struct {
	seg            planner.PlannedSegment
	code           int
	rec            *mseed.Record
	dataIdentifier string
}

// classify turns one fetch outcome into per-row download codes. Rows
// whose channel has no matching decoded record are dropped entirely,
// leaving download_code unset (NULL).
func classify(logger log.Logger, decoder mseed.Decoder, channelInfo map[int64]ChannelInfo, outcome fetchOutcome, rows []planner.PlannedSegment) []classifiedRow {
	out := make([]classifiedRow, 0, len(rows))

	switch {
	case outcome.err != nil:
		for _, seg := range rows {
			out = append(out, classifiedRow{seg: seg, code: model.URLErrCode})
		}
		return out

	case outcome.statusCode >= 400:
		for _, seg := range rows {
			out = append(out, classifiedRow{seg: seg, code: outcome.statusCode})
		}
		return out

	case len(outcome.body) == 0:
		for _, seg := range rows {
			out = append(out, classifiedRow{seg: seg, code: outcome.statusCode})
		}
		return out
	}

	records, err := decoder.Unpack(outcome.body, outcome.requestStart, outcome.requestEnd)
	if err != nil {
		level.Warn(logger).Log("msg", "decoder rejected response body", "err", err)
		for _, seg := range rows {
			out = append(out, classifiedRow{seg: seg, code: model.MSEEDErrCode})
		}
		return out
	}

	for _, seg := range rows {
		ci := channelInfo[seg.ChannelID]
		loc := ci.Location
		if loc == "" {
			loc = "--"
		}
		rec, ok := records[mseed.RecordID{Network: ci.Network, Station: ci.Station, Location: loc, Channel: ci.Channel}]
		if !ok {
			continue
		}
		r := rec
		code := outcome.statusCode
		switch {
		case r.Err != nil:
			code = model.MSEEDErrCode
		case r.OutOfRange && len(r.Data) > 0:
			code = model.TimespanWarnCode
		case r.OutOfRange:
			code = model.TimespanErrCode
		}
		id := fmt.Sprintf("%s.%s.%s.%s", ci.Network, ci.Station, loc, ci.Channel)
		out = append(out, classifiedRow{seg: seg, code: code, rec: &r, dataIdentifier: id})
	}
	return out
}

func persistAndCount(ctx context.Context, streamer *dbsync.UpsertStreamer, stats Stats, metrics *Metrics, host string, downloadID int64, rows []classifiedRow, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()

	for _, cr := range rows {
		stats.add(host, cr.code)
		metrics.observe(host, cr.code)

		row := dbsync.Row{
			"channel_id":         cr.seg.ChannelID,
			"event_id":           cr.seg.EventID,
			"data_center_id":      cr.seg.DataCenterID,
			"download_id":        downloadID,
			"event_distance_deg": cr.seg.EventDistanceDeg,
			"arrival_time":       cr.seg.ArrivalTime,
			"request_start":      cr.seg.RequestStart,
			"request_end":        cr.seg.RequestEnd,
			"download_code":      cr.code,
		}
		if cr.seg.ID != 0 {
			row["id"] = cr.seg.ID
		}
		if cr.rec != nil {
			row["start_time"] = cr.rec.StartTime
			row["end_time"] = cr.rec.EndTime
			row["sample_rate"] = cr.rec.SampleRate
			row["data"] = cr.rec.Data
			row["data_identifier"] = cr.dataIdentifier
			row["maxgap_numsamples"] = cr.rec.MaxGapNumSamples
		}

		if err := streamer.Add(ctx, row); err != nil {
			return errors.Wrap(err, "persist segment row")
		}
	}
	return nil
}

// hostSemaphores bounds concurrent in-flight requests per data-center
// host: some data centers throttle or ban
// clients that burst, independent of the downloader's overall
// concurrency.
type hostSemaphores struct {
	mu    sync.Mutex
	limit int64
	sems  map[string]*semaphore.Weighted
}

func newHostSemaphores(limit int64) *hostSemaphores {
	if limit <= 0 {
		limit = 4
	}
	return &hostSemaphores{limit: limit, sems: make(map[string]*semaphore.Weighted)}
}

func (h *hostSemaphores) get(host string) *semaphore.Weighted {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sems[host]
	if !ok {
		s = semaphore.NewWeighted(h.limit)
		h.sems[host] = s
	}
	return s
}

func (h *hostSemaphores) acquire(ctx context.Context, host string) error {
	return h.get(host).Acquire(ctx, 1)
}

func (h *hostSemaphores) release(host string) {
	h.get(host).Release(1)
}
