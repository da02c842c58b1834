package driver

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/model"
)

// createDownloadRow inserts the Download row that owns this run,
// returning its assigned id.
func createDownloadRow(ctx context.Context, db *sqlx.DB, dl model.Download) (int64, error) {
	query := db.Rebind(`INSERT INTO downloads (run_time, config, program_version, errors, warnings, log)
		VALUES (?, ?, ?, ?, ?, ?)`)
	res, err := db.ExecContext(ctx, query, dl.RunTime.UTC().Format(time.RFC3339Nano), dl.Config, dl.ProgramVersion, 0, 0, "")
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// finalizeDownloadRow stamps the run's error/warning counts and text
// summary once every stage has completed or aborted.
func finalizeDownloadRow(ctx context.Context, db *sqlx.DB, downloadID int64, summary *Summary) error {
	query := db.Rebind(`UPDATE downloads SET errors = ?, warnings = ?, log = ? WHERE id = ?`)
	_, err := db.ExecContext(ctx, query, summary.Errors, summary.Warnings, summary.Render(), downloadID)
	return err
}

// loadExistingDataCenters is routing's DB-fallback source:
// data centers already known from a prior run.
func loadExistingDataCenters(ctx context.Context, db *sqlx.DB) ([]model.DataCenter, error) {
	type dbRow struct {
		ID               int64  `db:"id"`
		StationURL       string `db:"station_url"`
		DataselectURL    string `db:"dataselect_url"`
		OrganizationName string `db:"organization_name"`
	}
	var rows []dbRow
	if err := db.SelectContext(ctx, &rows, `SELECT id, station_url, dataselect_url, organization_name FROM datacenters`); err != nil {
		return nil, err
	}
	out := make([]model.DataCenter, len(rows))
	for i, r := range rows {
		out[i] = model.DataCenter{ID: r.ID, StationURL: r.StationURL, DataselectURL: r.DataselectURL, OrganizationName: r.OrganizationName}
	}
	return out, nil
}

// persistDataCenters upserts the routing stage's resolved data centers
// and returns them back with surrogate ids assigned.
func persistDataCenters(ctx context.Context, engine *dbsync.Engine, dcs []model.DataCenter) ([]model.DataCenter, error) {
	batch := make(dbsync.Batch, 0, len(dcs))
	for _, dc := range dcs {
		batch = append(batch, dbsync.Row{
			"station_url":       dc.StationURL,
			"dataselect_url":    dc.DataselectURL,
			"organization_name": dc.OrganizationName,
		})
	}
	result, err := engine.Sync(ctx, "datacenters", batch,
		[]string{"station_url", "dataselect_url"}, "id", []string{"organization_name"}, nil)
	if err != nil {
		return nil, err
	}

	out := make([]model.DataCenter, 0, len(result.Batch))
	for _, row := range result.Batch {
		out = append(out, model.DataCenter{
			ID:               toInt64(row["id"]),
			StationURL:       toString(row["station_url"]),
			DataselectURL:    toString(row["dataselect_url"]),
			OrganizationName: toString(row["organization_name"]),
		})
	}
	return out, nil
}

// persistWebService upserts the single WebService row the configured
// event catalog URL identifies, returning its surrogate id so events
// can be persisted against the right foreign key.
func persistWebService(ctx context.Context, engine *dbsync.Engine, url string) (int64, error) {
	batch := dbsync.Batch{
		{"type": model.WebServiceTypeEvent, "url": url},
	}
	result, err := engine.Sync(ctx, "webservices", batch, []string{"url"}, "id", nil, nil)
	if err != nil {
		return 0, err
	}
	if len(result.Batch) == 0 {
		return 0, errors.New("webservice sync produced no rows")
	}
	return toInt64(result.Batch[0]["id"]), nil
}

// persistEvents upserts the events stage's deduplicated rows and
// returns them back with surrogate ids assigned. Events are immutable after insert, so
// there are no update columns.
func persistEvents(ctx context.Context, engine *dbsync.Engine, events []model.Event) ([]model.Event, error) {
	batch := make(dbsync.Batch, 0, len(events))
	for _, e := range events {
		batch = append(batch, dbsync.Row{
			"webservice_id": e.WebServiceID,
			"event_id":      e.EventID,
			"time":          e.Time,
			"latitude":      e.Latitude,
			"longitude":     e.Longitude,
			"depth_km":      e.DepthKM,
			"magnitude":     e.Magnitude,
		})
	}
	result, err := engine.Sync(ctx, "events", batch, []string{"event_id", "webservice_id"}, "id", nil, nil)
	if err != nil {
		return nil, err
	}

	out := make([]model.Event, 0, len(result.Batch))
	for _, row := range result.Batch {
		out = append(out, model.Event{
			ID:           toInt64(row["id"]),
			WebServiceID: toInt64(row["webservice_id"]),
			EventID:      toString(row["event_id"]),
			Time:         toTime(row["time"]),
			Latitude:     toFloat64(row["latitude"]),
			Longitude:    toFloat64(row["longitude"]),
			DepthKM:      toFloat64(row["depth_km"]),
			Magnitude:    toFloat64(row["magnitude"]),
		})
	}
	return out, nil
}

// loadExistingSegments is the planner's merge-with-existing source.
func loadExistingSegments(ctx context.Context, db *sqlx.DB) ([]model.Segment, error) {
	type dbRow struct {
		ID               int64      `db:"id"`
		ChannelID        int64      `db:"channel_id"`
		EventID          int64      `db:"event_id"`
		DataCenterID     int64      `db:"data_center_id"`
		EventDistanceDeg float64    `db:"event_distance_deg"`
		ArrivalTime      time.Time  `db:"arrival_time"`
		RequestStart     time.Time  `db:"request_start"`
		RequestEnd       time.Time  `db:"request_end"`
		DownloadCode     *int       `db:"download_code"`
	}
	var rows []dbRow
	query := `SELECT id, channel_id, event_id, data_center_id, event_distance_deg,
		arrival_time, request_start, request_end, download_code FROM segments`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make([]model.Segment, len(rows))
	for i, r := range rows {
		out[i] = model.Segment{
			ID:               r.ID,
			ChannelID:        r.ChannelID,
			EventID:          r.EventID,
			DataCenterID:     r.DataCenterID,
			EventDistanceDeg: r.EventDistanceDeg,
			ArrivalTime:      r.ArrivalTime,
			RequestStart:     r.RequestStart,
			RequestEnd:       r.RequestEnd,
			DownloadCode:     r.DownloadCode,
		}
	}
	return out, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	default:
		return time.Time{}
	}
}
