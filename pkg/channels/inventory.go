package channels

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
)

// FetchInventories is the dedicated late phase that fills in station
// metadata: for every station it is given (the driver passes every
// station the channels stage returned), best-effort download its
// StationXML inventory and persist it. A station whose fetch fails
// keeps inventory_xml NULL and is otherwise unaffected; failures here
// are never terminal.
func FetchInventories(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, engine *dbsync.Engine, stations []model.Station, dataCenters []model.DataCenter) error {
	if len(stations) == 0 {
		return nil
	}

	dcByID := make(map[int64]model.DataCenter, len(dataCenters))
	for _, dc := range dataCenters {
		dcByID[dc.ID] = dc
	}

	stationByTag := make(map[string]model.Station, len(stations))
	reqs := make([]fetch.Request, 0, len(stations))
	for _, s := range stations {
		dc, ok := dcByID[s.DataCenterID]
		if !ok {
			continue
		}
		tag := strconv.FormatInt(s.ID, 10)
		stationByTag[tag] = s
		reqs = append(reqs, fetch.Request{
			Tag:    tag,
			Method: "GET",
			URL:    inventoryURL(dc, s),
		})
	}

	var batch dbsync.Batch
	for res := range fetcher.Fetch(ctx, reqs) {
		station := stationByTag[res.Tag]
		if res.Err != nil || res.StatusCode >= 400 || len(res.Body) == 0 {
			level.Info(logger).Log("msg", "inventory fetch failed, leaving inventory_xml null",
				"network", station.Network, "station", station.Station, "err", res.Err, "status", res.StatusCode)
			continue
		}
		batch = append(batch, dbsync.Row{
			"id":            station.ID,
			"network":       station.Network,
			"station":       station.Station,
			"start_time":    station.StartTime.UTC().Format(time.RFC3339Nano),
			"inventory_xml": res.Body,
		})
	}

	if len(batch) == 0 {
		return nil
	}

	_, err := engine.Sync(ctx, "stations", batch,
		[]string{"network", "station", "start_time"}, "id",
		[]string{"inventory_xml"}, nil)
	return err
}

func inventoryURL(dc model.DataCenter, s model.Station) string {
	return dc.StationURL + "?level=response&format=xml&network=" + s.Network + "&station=" + s.Station
}
