// Package channels implements the channels stage: per-DC
// station/channel discovery with client-side post-filtering, DB
// fallback for failed data centers, cross-DC duplicate-station
// resolution via the routing validator, and persistence.
package channels

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/quakewatch/seisdl/internal/wildcard"
	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
	"github.com/quakewatch/seisdl/pkg/routing"
)

// Filter selects which channels to discover.
type Filter struct {
	Network, Station, Location, Channel string // comma-separated FDSN selector tokens, may include "!..."
	MinSampleRateHz                     float64
	Start, End                          time.Time
}

// Row is one discovered channel, carrying the station geometry it was
// found on.
type Row struct {
	Station      model.Station
	Channel      model.Channel
	DataCenterID int64
}

// Result is the channels stage's output.
type Result struct {
	Rows Batch
}

// Batch is this stage's tabular output type.
type Batch = []Row

// Discover executes the channels stage.
func Discover(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, db *sqlx.DB, engine *dbsync.Engine, dcs []model.DataCenter, validator routing.Validator, filter Filter) (Result, error) {
	netSel, err := wildcard.ParseSelection(filter.Network)
	if err != nil {
		return Result{}, errs.NewTerminal("parse network selector", err)
	}
	staSel, err := wildcard.ParseSelection(filter.Station)
	if err != nil {
		return Result{}, errs.NewTerminal("parse station selector", err)
	}
	locSel, err := wildcard.ParseSelection(filter.Location)
	if err != nil {
		return Result{}, errs.NewTerminal("parse location selector", err)
	}
	chaSel, err := wildcard.ParseSelection(filter.Channel)
	if err != nil {
		return Result{}, errs.NewTerminal("parse channel selector", err)
	}

	var webRows Batch
	var failedDCs []model.DataCenter

	reqs := make([]fetch.Request, len(dcs))
	for i, dc := range dcs {
		reqs[i] = fetch.Request{
			Tag:    strconv.FormatInt(dc.ID, 10),
			Method: "POST",
			URL:    dc.StationURL,
			Body:   []byte(buildStationBody(filter, netSel, staSel, locSel, chaSel)),
		}
	}
	dcByTag := make(map[string]model.DataCenter, len(dcs))
	for _, dc := range dcs {
		dcByTag[strconv.FormatInt(dc.ID, 10)] = dc
	}

	for res := range fetcher.Fetch(ctx, reqs) {
		if errs.IsTerminal(res.Err) {
			return Result{}, res.Err
		}
		dc := dcByTag[res.Tag]
		if res.Err != nil || res.StatusCode >= 400 {
			level.Warn(logger).Log("msg", "channel discovery failed for data center, will fall back to DB", "dc", dc.DataselectURL, "err", res.Err, "status", res.StatusCode)
			failedDCs = append(failedDCs, dc)
			continue
		}
		rows := parseStationText(res.Body, dc.ID)
		rows = postFilter(rows, locSel, chaSel, filter.MinSampleRateHz)
		webRows = append(webRows, rows...)
	}

	dbRows, err := fallbackFromDB(ctx, db, failedDCs, filter)
	if err != nil {
		level.Warn(logger).Log("msg", "DB fallback query failed", "err", err)
	}

	if len(webRows) == 0 && len(dbRows) == 0 {
		return Result{}, errs.NewTerminal("channels stage found no stations from the network or the database", nil)
	}

	dcURLByID := make(map[int64]string, len(dcs))
	for _, dc := range dcs {
		dcURLByID[dc.ID] = dc.DataselectURL
	}
	merged := resolveDuplicates(logger, append(webRows, dbRows...), validator, dcURLByID)

	persisted, err := persist(ctx, engine, merged)
	if err != nil {
		return Result{}, err
	}

	return Result{Rows: persisted}, nil
}

// buildStationBody builds the FDSN station POST body: unset selectors
// map to "*", and negations are never sent.
func buildStationBody(filter Filter, net, sta, loc, cha wildcard.Selection) string {
	var b strings.Builder
	b.WriteString("format=text\nlevel=channel\n")

	netTok := positiveOrStar(net)
	staTok := positiveOrStar(sta)
	locTok := positiveOrStar(loc)
	chaTok := positiveOrStar(cha)

	fmt.Fprintf(&b, "%s %s %s %s %s %s\n", netTok, staTok, locTok, chaTok,
		filter.Start.UTC().Format(time.RFC3339), filter.End.UTC().Format(time.RFC3339))
	return b.String()
}

func positiveOrStar(sel wildcard.Selection) string {
	toks := sel.PositiveTokens()
	if len(toks) == 0 {
		return "*"
	}
	return strings.Join(toks, ",")
}

// parseStationText parses the `|`-delimited station-channel text
// response.
func parseStationText(body []byte, dcID int64) Batch {
	var out Batch
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, "|")
		if len(f) < 10 {
			continue
		}
		lat, errLat := parseFloat(f[4])
		lon, errLon := parseFloat(f[5])
		rate, errRate := parseFloat(f[9])
		start, errStart := parseFDSNTime(f[7])
		if errLat != nil || errLon != nil || errRate != nil || errStart != nil {
			continue
		}
		var end *time.Time
		if f[8] != "" {
			if e, err := parseFDSNTime(f[8]); err == nil {
				end = &e
			}
		}

		loc := f[2]
		if loc == "" {
			loc = "--"
		}

		out = append(out, Row{
			Station: model.Station{
				DataCenterID: dcID,
				Network:      f[0],
				Station:      f[1],
				Latitude:     lat,
				Longitude:    lon,
				StartTime:    start,
				EndTime:      end,
			},
			Channel: model.Channel{
				Location:   loc,
				Channel:    f[3],
				SampleRate: rate,
			},
			DataCenterID: dcID,
		})
	}
	return out
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseFDSNTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// postFilter applies the client-side negation + min-sample-rate filter
// to web-discovered rows.
func postFilter(rows Batch, locSel, chaSel wildcard.Selection, minRate float64) Batch {
	out := rows[:0]
	for _, r := range rows {
		if !locSel.Allows(r.Channel.Location) {
			continue
		}
		if !chaSel.Allows(r.Channel.Channel) {
			continue
		}
		if r.Channel.SampleRate < minRate {
			continue
		}
		out = append(out, r)
	}
	return out
}

// fallbackFromDB queries already-known channels for each failed DC
// concurrently, translating wildcard filters to SQL
// LIKE.
func fallbackFromDB(ctx context.Context, db *sqlx.DB, failedDCs []model.DataCenter, filter Filter) (Batch, error) {
	if len(failedDCs) == 0 || db == nil {
		return nil, nil
	}

	results := make([]Batch, len(failedDCs))
	g, ctx := errgroup.WithContext(ctx)
	for i, dc := range failedDCs {
		i, dc := i, dc
		g.Go(func() error {
			rows, err := queryKnownChannels(ctx, db, dc, filter)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out Batch
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func queryKnownChannels(ctx context.Context, db *sqlx.DB, dc model.DataCenter, filter Filter) (Batch, error) {
	netLike := sqlLikeOrWildcard(filter.Network)
	staLike := sqlLikeOrWildcard(filter.Station)
	locLike := sqlLikeOrWildcard(filter.Location)
	chaLike := sqlLikeOrWildcard(filter.Channel)

	query := db.Rebind(`
		SELECT s.id AS station_id, s.network, s.station, s.latitude, s.longitude,
		       s.start_time, s.end_time, c.id AS channel_id, c.location, c.channel, c.sample_rate
		FROM stations s
		JOIN channels c ON c.station_id = s.id
		WHERE s.data_center_id = ?
		  AND s.network LIKE ? AND s.station LIKE ?
		  AND c.location LIKE ? AND c.channel LIKE ?
		  AND c.sample_rate >= ?
	`)

	type dbRow struct {
		StationID  int64   `db:"station_id"`
		Network    string  `db:"network"`
		Station    string  `db:"station"`
		Latitude   float64 `db:"latitude"`
		Longitude  float64 `db:"longitude"`
		StartTime  string  `db:"start_time"`
		EndTime    *string `db:"end_time"`
		ChannelID  int64   `db:"channel_id"`
		Location   string  `db:"location"`
		Channel    string  `db:"channel"`
		SampleRate float64 `db:"sample_rate"`
	}
	var rows []dbRow
	if err := db.SelectContext(ctx, &rows, query, dc.ID, netLike, staLike, locLike, chaLike, filter.MinSampleRateHz); err != nil {
		return nil, err
	}

	out := make(Batch, 0, len(rows))
	for _, r := range rows {
		start, err := parseFDSNTime(r.StartTime)
		if err != nil {
			return nil, err
		}
		var end *time.Time
		if r.EndTime != nil && *r.EndTime != "" {
			if e, err := parseFDSNTime(*r.EndTime); err == nil {
				end = &e
			}
		}
		out = append(out, Row{
			Station: model.Station{
				ID:           r.StationID,
				DataCenterID: dc.ID,
				Network:      r.Network,
				Station:      r.Station,
				Latitude:     r.Latitude,
				Longitude:    r.Longitude,
				StartTime:    start,
				EndTime:      end,
			},
			Channel: model.Channel{
				ID:         r.ChannelID,
				StationID:  r.StationID,
				Location:   r.Location,
				Channel:    r.Channel,
				SampleRate: r.SampleRate,
			},
			DataCenterID: dc.ID,
		})
	}
	return out, nil
}

// sqlLikeOrWildcard translates the first token of a selector into a
// SQL LIKE pattern, or "%" if unset. Only the first positive token is
// translated: any further positive tokens and all negated tokens of the
// selector are not applied to the DB fallback query.
func sqlLikeOrWildcard(csv string) string {
	sel, err := wildcard.ParseSelection(csv)
	if err != nil || len(sel) == 0 {
		return "%"
	}
	toks := sel.PositiveTokens()
	if len(toks) == 0 {
		return "%"
	}
	return wildcard.ToSQLLike(toks[0])
}

// resolveDuplicates decides cross-DC station duplicates: rows tied on
// (network, station, start_time) across distinct DCs are resolved by
// the routing validator when present (first DC, sorted by id, that the
// validator accepts any channel tuple for), else by preference for the
// DC already recorded in DB (identified here by Station.ID != 0).
func resolveDuplicates(logger log.Logger, rows Batch, validator routing.Validator, dcURLByID map[int64]string) Batch {
	groups := make(map[[3]string][]Row)
	var order [][3]string
	for _, r := range rows {
		key := r.Station.NaturalKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	var out Batch
	for _, key := range order {
		group := groups[key]
		dcIDs := distinctDCs(group)
		if len(dcIDs) < 2 {
			out = append(out, group...)
			continue
		}

		survivorDC, ok := pickSurvivorDC(group, dcIDs, validator, dcURLByID)
		if !ok {
			level.Info(logger).Log("msg", "duplicated station across data centers dropped: no accepting data center", "network", key[0], "station", key[1])
			continue
		}
		for _, r := range group {
			if r.DataCenterID == survivorDC {
				out = append(out, r)
			} else {
				level.Info(logger).Log("msg", "duplicated station row dropped", "network", key[0], "station", key[1], "dropped_dc", r.DataCenterID, "kept_dc", survivorDC)
			}
		}
	}
	return out
}

func distinctDCs(rows Batch) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, r := range rows {
		if _, ok := seen[r.DataCenterID]; !ok {
			seen[r.DataCenterID] = struct{}{}
			out = append(out, r.DataCenterID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func pickSurvivorDC(group Batch, dcIDs []int64, validator routing.Validator, dcURLByID map[int64]string) (int64, bool) {
	if validator == nil {
		// No validator: prefer the DC already recorded in DB, identified by a non-zero station id.
		for _, r := range group {
			if r.Station.ID != 0 {
				return r.DataCenterID, true
			}
		}
		return 0, false
	}

	for _, dcID := range dcIDs {
		for _, r := range group {
			if r.DataCenterID != dcID {
				continue
			}
			if validator(dcURLByID[dcID], r.Station.Network, r.Station.Station, r.Channel.Location, r.Channel.Channel) {
				return dcID, true
			}
		}
	}
	// Silence = drop candidate.
	return 0, false
}

// persist syncs stations first (excluding inventory_xml from updates),
// then channels, joining station_id back on the station natural key.
func persist(ctx context.Context, engine *dbsync.Engine, rows Batch) (Batch, error) {
	stationBatch := make(dbsync.Batch, 0, len(rows))
	seenStations := make(map[[3]string]struct{})
	for _, r := range rows {
		key := r.Station.NaturalKey()
		if _, ok := seenStations[key]; ok {
			continue
		}
		seenStations[key] = struct{}{}
		stationBatch = append(stationBatch, stationRow(r.Station))
	}

	stationResult, err := engine.Sync(ctx, "stations", stationBatch,
		[]string{"network", "station", "start_time"}, "id", nil, nil)
	if err != nil {
		return nil, err
	}

	rows = model.UpdateByKey(rows, stationResult.Batch,
		func(r Row) [3]string { return r.Station.NaturalKey() },
		func(dbRow dbsync.Row) [3]string {
			return [3]string{fmt.Sprint(dbRow["network"]), fmt.Sprint(dbRow["station"]), fmt.Sprint(dbRow["start_time"])}
		},
		func(r Row, dbRow dbsync.Row) Row {
			if id, ok := dbRow["id"].(int64); ok {
				r.Station.ID = id
				r.Channel.StationID = id
			}
			return r
		})

	channelBatch := make(dbsync.Batch, 0, len(rows))
	for _, r := range rows {
		channelBatch = append(channelBatch, channelRow(r.Channel))
	}
	channelResult, err := engine.Sync(ctx, "channels", channelBatch,
		[]string{"station_id", "location", "channel"}, "id",
		[]string{"sample_rate"}, nil)
	if err != nil {
		return nil, err
	}

	rows = model.UpdateByKey(rows, channelResult.Batch,
		func(r Row) [3]string { return r.Channel.NaturalKey() },
		func(dbRow dbsync.Row) [3]string {
			return [3]string{fmt.Sprint(dbRow["station_id"]), fmt.Sprint(dbRow["location"]), fmt.Sprint(dbRow["channel"])}
		},
		func(r Row, dbRow dbsync.Row) Row {
			if id, ok := dbRow["id"].(int64); ok {
				r.Channel.ID = id
			}
			return r
		})

	return rows, nil
}

func stationRow(s model.Station) dbsync.Row {
	row := dbsync.Row{
		"data_center_id": s.DataCenterID,
		"network":        s.Network,
		"station":        s.Station,
		"latitude":       s.Latitude,
		"longitude":      s.Longitude,
		"start_time":     s.StartTime.UTC().Format(time.RFC3339Nano),
	}
	if s.EndTime != nil {
		row["end_time"] = s.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func channelRow(c model.Channel) dbsync.Row {
	return dbsync.Row{
		"station_id":  c.StationID,
		"location":    c.Location,
		"channel":     c.Channel,
		"sample_rate": c.SampleRate,
	}
}
