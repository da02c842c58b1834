// Package planner implements the download planner:
// reconcile candidate segments against existing rows, apply the retry
// mask, compute rounded request windows, and prune down to the rows
// that should actually be (re)downloaded.
package planner

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/merge"
	"github.com/quakewatch/seisdl/pkg/model"
)

// RetryMask is the retry policy: which outcome classes
// authorize a re-download.
type RetryMask struct {
	SegmentNotFound bool
	URLError        bool
	MSEEDError      bool
	ClientError     bool // 400-499
	ServerError     bool // 500-599
	TimespanError   bool
	TimespanWarning bool
}

// matches reports whether downloadCode (nil meaning "never attempted")
// falls into a retry-authorized class.
func (m RetryMask) matches(downloadCode *int) bool {
	if downloadCode == nil {
		return m.SegmentNotFound
	}
	code := *downloadCode
	switch code {
	case model.URLErrCode:
		return m.URLError
	case model.MSEEDErrCode:
		return m.MSEEDError
	case model.TimespanWarnCode:
		return m.TimespanWarning
	case model.TimespanErrCode:
		return m.TimespanError
	}
	switch {
	case code >= 400 && code < 500:
		return m.ClientError
	case code >= 500 && code < 600:
		return m.ServerError
	}
	return false
}

// Window is a planned request time span, rounded to the nearest
// second.
type Window struct {
	Start, End time.Time
}

// PlannedSegment is one row the downloader should attempt.
type PlannedSegment struct {
	model.Segment
	TimeBoundsChanged bool
}

// merged is one candidate after the left-merge step: the candidate
// itself, the existing row it matched (if any), and whether it matched
// at all.
type merged struct {
	candidate   merge.Segment
	existing    model.Segment
	hasExisting bool
}

// Plan reconciles candidate segments against existing rows and
// returns the ones to (re)download.
// preArrival/postArrival are signed offsets from arrival time (e.g.
// preArrival = -60s, postArrival = +300s).
func Plan(logger log.Logger, candidates []merge.Segment, existing []model.Segment, preArrival, postArrival time.Duration, mask RetryMask) ([]PlannedSegment, error) {
	// Left-merge candidates with existing on (channel_id, event_id).
	existingByKey := make(map[[2]string]model.Segment, len(existing))
	for _, e := range existing {
		existingByKey[e.NaturalKey()] = e
	}
	joined := make([]merged, len(candidates))
	for i, c := range candidates {
		key := model.Segment{ChannelID: c.Channel.ID, EventID: c.Event.ID}.NaturalKey()
		if e, ok := existingByKey[key]; ok {
			joined[i] = merged{candidate: c, existing: e, hasExisting: true}
		} else {
			joined[i] = merged{candidate: c}
		}
	}

	var planned []PlannedSegment
	seenWindowKey := make(map[[3]string]string) // (channel_id, start, end) -> first event id seen

	for _, j := range joined {
		c := j.candidate
		window := roundWindow(c.ArrivalTime, preArrival, postArrival)

		boundsChanged := false
		if j.hasExisting {
			boundsChanged = !j.existing.RequestStart.Equal(window.Start) || !j.existing.RequestEnd.Equal(window.End)
		}

		// Step 3-4: a row is planned iff new, retry-authorized, or its
		// bounds changed; everything else is dropped.
		shouldPlan := !j.hasExisting || boundsChanged || mask.matches(j.existing.DownloadCode)
		if !shouldPlan {
			continue
		}

		seg := model.Segment{
			ChannelID:        c.Channel.ID,
			EventID:          c.Event.ID,
			DataCenterID:     c.Station.DataCenterID,
			EventDistanceDeg: c.EventDistanceDeg,
			ArrivalTime:      c.ArrivalTime,
			RequestStart:     window.Start,
			RequestEnd:       window.End,
		}
		if j.hasExisting {
			seg.ID = j.existing.ID
		}

		warnOnDuplicateWindow(logger, seenWindowKey, c.Channel.ID, c.Event.EventID, window)

		planned = append(planned, PlannedSegment{Segment: seg, TimeBoundsChanged: boundsChanged})
	}

	if len(planned) == 0 {
		return nil, errs.ErrNothingToDo
	}

	return planned, nil
}

// roundWindow computes request_start/request_end from arrival ±
// offsets, rounded to the nearest whole second.
func roundWindow(arrival time.Time, pre, post time.Duration) Window {
	start := arrival.Add(pre).Round(time.Second)
	end := arrival.Add(post).Round(time.Second)
	return Window{Start: start, End: end}
}

func intKey(v int64) string {
	return model.Segment{ChannelID: v}.NaturalKey()[0]
}

// warnOnDuplicateWindow warns (but keeps the rows)
// when distinct events produce an identical (channel_id, request_start,
// request_end) triple.
func warnOnDuplicateWindow(logger log.Logger, seen map[[3]string]string, channelID int64, eventID string, window Window) {
	key := [3]string{intKey(channelID), window.Start.UTC().String(), window.End.UTC().String()}
	if firstEventID, ok := seen[key]; ok {
		if firstEventID != eventID {
			level.Warn(logger).Log("msg", "duplicate request window for distinct events at same channel",
				"channel_id", channelID, "event_id", eventID, "other_event_id", firstEventID,
				"request_start", window.Start, "request_end", window.End)
		}
		return
	}
	seen[key] = eventID
}
