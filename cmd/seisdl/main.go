// Command seisdl runs one seismic waveform download pipeline pass
// against a YAML configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/quakewatch/seisdl/internal/config"
	"github.com/quakewatch/seisdl/internal/logging"
	"github.com/quakewatch/seisdl/internal/wildcard"
	"github.com/quakewatch/seisdl/pkg/dbsync"
	"github.com/quakewatch/seisdl/pkg/download"
	"github.com/quakewatch/seisdl/pkg/driver"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/mseed"
	"github.com/quakewatch/seisdl/pkg/ttable"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(int(run()))
}

func run() errs.ExitCode {
	var configPath string
	code := errs.ExitOK

	root := &cobra.Command{
		Use:           "seisdl",
		Short:         "Download and catalog seismic waveform segments from FDSN data centers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one download pass using the given configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			code = runOnce(cmd.Context(), configPath)
			if code != errs.ExitOK {
				return fmt.Errorf("pipeline run exited with code %d", code)
			}
			return nil
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the run's YAML configuration file")
	_ = runCmd.MarkFlagRequired("config")

	root.AddCommand(runCmd)
	if err := root.Execute(); err != nil {
		if code != errs.ExitOK {
			return code
		}
		fmt.Fprintln(os.Stderr, err)
		return errs.ExitInvalidInput
	}
	return errs.ExitOK
}

func runOnce(ctx context.Context, configPath string) errs.ExitCode {
	logger := logging.New()

	text, err := os.ReadFile(configPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to read config file", "err", err)
		return errs.ExitInvalidInput
	}

	cfg, err := config.Parse(text)
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		return errs.ExitInvalidInput
	}
	cfg.ProgramVersion = version

	for field, selection := range map[string]string{
		"network":  cfg.NetworkSelection,
		"station":  cfg.StationSelection,
		"location": cfg.LocationSelection,
		"channel":  cfg.ChannelSelection,
	} {
		if _, err := wildcard.ParseSelection(selection); err != nil {
			level.Error(logger).Log("msg", "invalid selection", "field", field, "err", err)
			return errs.ExitInvalidInput
		}
	}

	db, err := sqlx.ConnectContext(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		level.Error(logger).Log("msg", "failed to connect to database", "err", err)
		return errs.ExitTerminal
	}
	defer db.Close()

	engine := dbsync.New(db, logger, dbsync.Options{})

	watchdog := fetch.NewWatchdog(logger, cfg.MemoryThreshold, 0)
	fetcher := fetch.New(logger,
		fetch.WithConcurrency(cfg.FetchConcurrency),
		fetch.WithWatchdog(watchdog),
		fetch.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
	)

	metrics := download.NewMetrics(prometheus.DefaultRegisterer)

	decoder, err := resolveDecoder()
	if err != nil {
		level.Error(logger).Log("msg", "no mseed decoder available", "err", err)
		return errs.ExitInvalidInput
	}
	travelTimes, err := resolveTravelTimeTable(cfg.TravelTimeModel)
	if err != nil {
		level.Error(logger).Log("msg", "no travel-time table available", "err", err)
		return errs.ExitInvalidInput
	}

	deps := driver.Dependencies{
		DB:          db,
		Engine:      engine,
		Fetcher:     fetcher,
		Decoder:     decoder,
		TravelTimes: travelTimes,
		Metrics:     metrics,
	}

	return driver.Run(ctx, logger, deps, cfg)
}

// resolveDecoder and resolveTravelTimeTable construct the two external
// interfaces (miniSEED decoding and travel-time lookup). Neither has
// a concrete implementation in this repository: both sit at a
// seismology-library boundary kept external, so a production build
// wires a real implementation in here (or in a build-tagged variant of
// this file) rather than in pkg/driver, which only knows the
// interfaces.
func resolveDecoder() (mseed.Decoder, error) {
	return nil, fmt.Errorf("no mseed.Decoder implementation configured for this build")
}

func resolveTravelTimeTable(model string) (ttable.Table, error) {
	return nil, fmt.Errorf("no ttable.Table implementation configured for travel-time model %q", model)
}
