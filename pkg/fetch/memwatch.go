package fetch

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/quakewatch/seisdl/pkg/errs"
)

// Watchdog polls system memory usage and reports pressure once it
// crosses Threshold, so the fetcher can stop dispatching new requests
// rather than run the process out of memory mid-download.
type Watchdog struct {
	logger    log.Logger
	threshold float64
	interval  time.Duration

	sample func() (float64, error)
}

// NewWatchdog returns a Watchdog that considers the process under
// memory pressure once UsedPercent/100 exceeds threshold (e.g. 0.90).
func NewWatchdog(logger log.Logger, threshold float64, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		sample: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent / 100, nil
		},
	}
}

// Pressure reports the current sampled usage fraction and whether it
// exceeds the configured threshold.
func (w *Watchdog) Pressure() (fraction float64, underPressure bool, err error) {
	fraction, err = w.sample()
	if err != nil {
		return 0, false, errors.Wrap(err, "sample memory usage")
	}
	return fraction, fraction >= w.threshold, nil
}

// CheckPressure samples memory usage once and, if it exceeds the
// configured threshold, returns a terminal MemoryPressure error.
// A sampling failure is treated as "no pressure";
// a watchdog that can't read memory stats shouldn't abort downloads.
func (w *Watchdog) CheckPressure() error {
	fraction, underPressure, err := w.Pressure()
	if err != nil {
		level.Warn(w.logger).Log("msg", "memory watchdog sample failed, proceeding without it", "err", err)
		return nil
	}
	if !underPressure {
		return nil
	}
	return errs.NewTerminal("memory pressure", &errs.MemoryPressure{Fraction: fraction, Threshold: w.threshold})
}
