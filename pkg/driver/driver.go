// Package driver implements the sequential stage orchestration: a
// single owning goroutine that runs every stage in order, owns the
// Download row's lifecycle, and is the only thing that touches the DB
// session directly.
package driver

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/quakewatch/seisdl/internal/config"
	"github.com/quakewatch/seisdl/pkg/channels"
	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/download"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/events"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/merge"
	"github.com/quakewatch/seisdl/pkg/model"
	"github.com/quakewatch/seisdl/pkg/mseed"
	"github.com/quakewatch/seisdl/pkg/planner"
	"github.com/quakewatch/seisdl/pkg/routing"
	"github.com/quakewatch/seisdl/pkg/ttable"
)

// Dependencies bundles the external collaborators the driver doesn't
// own: the travel-time table and miniSEED decoder are both
// consumed through an interface and are supplied by the
// caller (typically cmd/seisdl).
type Dependencies struct {
	DB          *sqlx.DB
	Engine      *dbsync.Engine
	Fetcher     *fetch.Fetcher
	Decoder     mseed.Decoder
	TravelTimes ttable.Table
	Metrics     *download.Metrics
}

// Run executes one full pipeline run and returns the process exit
// code (0 success/nothing-to-do, 1 terminal, 3 internal); exit code 2
// (invalid input) is returned only by cmd/seisdl.
func Run(ctx context.Context, logger log.Logger, deps Dependencies, cfg config.Config) errs.ExitCode {
	dl := model.Download{
		RunTime:        time.Now().UTC(),
		Config:         cfg.RawYAML,
		ProgramVersion: cfg.ProgramVersion,
	}

	downloadID, err := createDownloadRow(ctx, deps.DB, dl)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create download row", "err", err)
		return errs.ExitInternal
	}

	summary := &Summary{}
	code := run(ctx, logger, deps, cfg, downloadID, summary)

	if err := finalizeDownloadRow(ctx, deps.DB, downloadID, summary); err != nil {
		level.Error(logger).Log("msg", "failed to finalize download row", "err", err)
		if code == errs.ExitOK {
			code = errs.ExitInternal
		}
	}

	return code
}

func run(ctx context.Context, logger log.Logger, deps Dependencies, cfg config.Config, downloadID int64, summary *Summary) errs.ExitCode {
	webServiceID, err := persistWebService(ctx, deps.Engine, cfg.EventWebServiceURL)
	if err != nil {
		return handleStageError(logger, "events", errs.NewTerminal("failed to persist event web service", err), summary)
	}

	eventsResult, err := events.Fetch(ctx, logger, deps.Fetcher, events.Query{
		WebServiceURL: cfg.EventWebServiceURL,
		WebServiceID:  webServiceID,
		Start:         cfg.EventStart,
		End:           cfg.EventEnd,
		MinMagnitude:  &cfg.MinMagnitude,
		MaxMagnitude:  &cfg.MaxMagnitude,
	})
	if err != nil {
		return handleStageError(logger, "events", err, summary)
	}

	persistedEvents, err := persistEvents(ctx, deps.Engine, eventsResult.Events)
	if err != nil {
		return handleStageError(logger, "events persist", err, summary)
	}
	eventsResult.Events = persistedEvents
	summary.EventsFetched = len(eventsResult.Events)
	summary.EventRangeErrors = len(eventsResult.RangeErrors)

	existingDCs, err := loadExistingDataCenters(ctx, deps.DB)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to load existing data centers for fallback", "err", err)
	}

	routingResult, err := routing.Resolve(ctx, logger, deps.Fetcher, routingRequest(cfg, existingDCs))
	if err != nil {
		return handleStageError(logger, "routing", err, summary)
	}
	summary.DataCenters = len(routingResult.DataCenters)
	if routingResult.FellBackToDB {
		summary.Warnings++
	}

	dcResult, err := persistDataCenters(ctx, deps.Engine, routingResult.DataCenters)
	if err != nil {
		return handleStageError(logger, "routing persist", err, summary)
	}

	channelsResult, err := channels.Discover(ctx, logger, deps.Fetcher, deps.DB, deps.Engine, dcResult, routingResult.Validator, channels.Filter{
		Network:         cfg.NetworkSelection,
		Station:         cfg.StationSelection,
		Location:        cfg.LocationSelection,
		Channel:         cfg.ChannelSelection,
		MinSampleRateHz: cfg.MinSampleRateHz,
		Start:           cfg.EventStart,
		End:             cfg.EventEnd,
	})
	if err != nil {
		return handleStageError(logger, "channels", err, summary)
	}
	summary.ChannelsDiscovered = len(channelsResult.Rows)

	if err := runInventoryPhase(ctx, logger, deps, channelsResult, dcResult); err != nil {
		level.Warn(logger).Log("msg", "inventory phase failed, continuing without it", "err", err)
	}

	radiusSchedule := make([]merge.RadiusStep, len(cfg.RadiusSchedule))
	for i, s := range cfg.RadiusSchedule {
		radiusSchedule[i] = merge.RadiusStep{Magnitude: s.Magnitude, RadiusDeg: s.RadiusDeg}
	}
	mergedSegments, err := merge.Merge(eventsResult.Events, channelsResult.Rows, radiusSchedule, deps.TravelTimes)
	if err != nil {
		return handleStageError(logger, "merge", err, summary)
	}
	summary.Candidates = len(mergedSegments)

	existingSegments, err := loadExistingSegments(ctx, deps.DB)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to load existing segments", "err", err)
	}

	planned, err := planner.Plan(logger, mergedSegments, existingSegments,
		cfg.WindowBeforeArrival(), cfg.WindowAfterArrival(), retryMaskFromConfig(cfg.Retry))
	if err != nil {
		if errors.Is(err, errs.ErrNothingToDo) {
			level.Info(logger).Log("msg", "nothing to download")
			return errs.ExitOK
		}
		return handleStageError(logger, "planner", err, summary)
	}
	summary.Planned = len(planned)

	channelInfo := buildChannelInfo(channelsResult.Rows)
	dcByID := make(map[int64]model.DataCenter, len(dcResult))
	for _, dc := range dcResult {
		dcByID[dc.ID] = dc
	}

	stats, err := download.Execute(ctx, logger, deps.Fetcher, deps.Decoder, deps.Engine, deps.Metrics,
		planned, channelInfo, dcByID, downloadID, cfg.PerHostConcurrency, cfg.DownloadBatchSize)
	if err != nil {
		return handleStageError(logger, "download", err, summary)
	}
	summary.Stats = stats

	return errs.ExitOK
}

func runInventoryPhase(ctx context.Context, logger log.Logger, deps Dependencies, channelsResult channels.Result, dcs []model.DataCenter) error {
	stations := make([]model.Station, 0, len(channelsResult.Rows))
	seen := make(map[int64]struct{})
	for _, row := range channelsResult.Rows {
		if _, ok := seen[row.Station.ID]; ok {
			continue
		}
		seen[row.Station.ID] = struct{}{}
		stations = append(stations, row.Station)
	}
	return channels.FetchInventories(ctx, logger, deps.Fetcher, deps.Engine, stations, dcs)
}

func buildChannelInfo(rows channels.Batch) map[int64]download.ChannelInfo {
	out := make(map[int64]download.ChannelInfo, len(rows))
	for _, r := range rows {
		out[r.Channel.ID] = download.ChannelInfo{
			Network:  r.Station.Network,
			Station:  r.Station.Station,
			Location: r.Channel.Location,
			Channel:  r.Channel.Channel,
		}
	}
	return out
}

// routingRequest translates config.Routing (one of the literal tokens
// "iris"/"eida", or any other string meaning an explicit routing URL)
// into a routing.Request.
func routingRequest(cfg config.Config, existingDCs []model.DataCenter) routing.Request {
	req := routing.Request{
		ChannelFilter:       cfg.ChannelSelection,
		Start:               cfg.EventStart,
		End:                 cfg.EventEnd,
		ExistingDataCenters: existingDCs,
	}
	switch cfg.Routing {
	case routing.ModeIRIS:
		req.Mode = routing.ModeIRIS
	case routing.ModeEIDA:
		req.Mode = routing.ModeEIDA
	default:
		req.Mode = routing.ModeExplicit
		req.ExplicitURL = cfg.Routing
	}
	return req
}

func retryMaskFromConfig(r config.Retry) planner.RetryMask {
	return planner.RetryMask{
		SegmentNotFound: r.SegmentNotFound,
		URLError:        r.URLError,
		MSEEDError:      r.MSEEDError,
		ClientError:     r.ClientError,
		ServerError:     r.ServerError,
		TimespanError:   r.TimespanError,
		TimespanWarning: r.TimespanWarning,
	}
}

// handleStageError logs a stage's terminal error at error level and
// maps it to the corresponding exit code.
func handleStageError(logger log.Logger, stage string, err error, summary *Summary) errs.ExitCode {
	summary.Errors++
	if errs.IsTerminal(err) {
		level.Error(logger).Log("msg", "stage failed terminally", "stage", stage, "err", err)
		return errs.ExitTerminal
	}
	level.Error(logger).Log("msg", "stage failed unexpectedly", "stage", stage, "err", err)
	return errs.ExitInternal
}
