package planner

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/merge"
	"github.com/quakewatch/seisdl/pkg/model"
)

func noopLogger() log.Logger { return log.NewNopLogger() }

func candidate(channelID, eventID int64, arrival time.Time) merge.Segment {
	return merge.Segment{
		Candidate: merge.Candidate{
			Event:   model.Event{ID: eventID, EventID: "e"},
			Channel: model.Channel{ID: channelID},
		},
		ArrivalTime: arrival,
	}
}

func TestPlanNewCandidateIsPlanned(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	planned, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, nil, -time.Minute, 5*time.Minute, RetryMask{})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.False(t, planned[0].TimeBoundsChanged)
	assert.Equal(t, arrival.Add(-time.Minute), planned[0].RequestStart)
	assert.Equal(t, arrival.Add(5*time.Minute), planned[0].RequestEnd)
}

func TestPlanSkipsUnchangedCompletedExisting(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	code := 200
	existing := []model.Segment{{
		ID: 7, ChannelID: 1, EventID: 1,
		RequestStart: arrival.Add(-time.Minute), RequestEnd: arrival.Add(5 * time.Minute),
		DownloadCode: &code,
	}}
	planned, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, existing, -time.Minute, 5*time.Minute, RetryMask{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNothingToDo)
	assert.Nil(t, planned)
}

func TestPlanRetriesOnAuthorizedFailureCode(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	code := model.URLErrCode
	existing := []model.Segment{{
		ID: 7, ChannelID: 1, EventID: 1,
		RequestStart: arrival.Add(-time.Minute), RequestEnd: arrival.Add(5 * time.Minute),
		DownloadCode: &code,
	}}
	planned, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, existing, -time.Minute, 5*time.Minute, RetryMask{URLError: true})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, int64(7), planned[0].ID)
}

func TestPlanDoesNotRetryUnauthorizedFailureCode(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	code := model.URLErrCode
	existing := []model.Segment{{
		ID: 7, ChannelID: 1, EventID: 1,
		RequestStart: arrival.Add(-time.Minute), RequestEnd: arrival.Add(5 * time.Minute),
		DownloadCode: &code,
	}}
	_, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, existing, -time.Minute, 5*time.Minute, RetryMask{})
	assert.ErrorIs(t, err, errs.ErrNothingToDo)
}

func TestPlanReplansWhenWindowBoundsChange(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	code := 200
	existing := []model.Segment{{
		ID: 7, ChannelID: 1, EventID: 1,
		RequestStart: arrival.Add(-30 * time.Second), RequestEnd: arrival.Add(time.Minute),
		DownloadCode: &code,
	}}
	planned, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, existing, -time.Minute, 5*time.Minute, RetryMask{})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.True(t, planned[0].TimeBoundsChanged)
}

func TestPlanNeverAttemptedIsPlannedWhenSegmentNotFoundRetried(t *testing.T) {
	arrival := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := []model.Segment{{
		ID: 7, ChannelID: 1, EventID: 1,
		RequestStart: arrival.Add(-time.Minute), RequestEnd: arrival.Add(5 * time.Minute),
		DownloadCode: nil,
	}}
	planned, err := Plan(noopLogger(), []merge.Segment{candidate(1, 1, arrival)}, existing, -time.Minute, 5*time.Minute, RetryMask{SegmentNotFound: true})
	require.NoError(t, err)
	require.Len(t, planned, 1)
}

func TestRetryMaskMatchesClientAndServerRanges(t *testing.T) {
	mask := RetryMask{ClientError: true, ServerError: true}
	c404, c500 := 404, 500
	assert.True(t, mask.matches(&c404))
	assert.True(t, mask.matches(&c500))

	c200 := 200
	assert.False(t, mask.matches(&c200))
}
