package driver

import (
	"bytes"
	"sort"

	"github.com/go-kit/log"

	"github.com/quakewatch/seisdl/pkg/download"
)

// Summary accumulates the per-stage counters of one run and renders
// them into Download.log at the end as a human-readable run summary.
type Summary struct {
	EventsFetched      int
	EventRangeErrors   int
	DataCenters        int
	ChannelsDiscovered int
	Candidates         int
	Planned            int
	Errors             int
	Warnings           int
	Stats              download.Stats
}

// Render formats the summary as logfmt lines, the same encoding
// internal/logging uses for the run's own log stream, so Download.log
// reads like an excerpt of it.
func (s *Summary) Render() string {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	_ = logger.Log(
		"events_fetched", s.EventsFetched,
		"event_range_errors", s.EventRangeErrors,
		"data_centers", s.DataCenters,
		"channels_discovered", s.ChannelsDiscovered,
		"candidates", s.Candidates,
		"planned", s.Planned,
		"errors", s.Errors,
		"warnings", s.Warnings,
	)

	for _, host := range sortedHosts(s.Stats) {
		byCode := s.Stats[host]
		codes := make([]int, 0, len(byCode))
		for code := range byCode {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			_ = logger.Log("host", host, "code", code, "count", byCode[code])
		}
	}

	return buf.String()
}

func sortedHosts(stats download.Stats) []string {
	hosts := make([]string, 0, len(stats))
	for h := range stats {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
