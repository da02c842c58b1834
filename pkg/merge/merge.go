// Package merge implements the event-channel merge stage:
// per-event search radius, great-circle geometry, station validity
// window, and travel-time arrival computation, producing the candidate
// Segment table.
//
// The travel-time table itself is an external dependency consumed
// through pkg/ttable.Table.
package merge

import (
	"math"
	"time"

	"github.com/quakewatch/seisdl/pkg/channels"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/model"
	"github.com/quakewatch/seisdl/pkg/ttable"
)

// RadiusStep is one point of the piecewise-linear magnitude-to-radius
// schedule.
type RadiusStep struct {
	Magnitude float64
	RadiusDeg float64
}

// Candidate is one (event, channel) pair surviving the search radius
// and validity checks, before arrival time has been computed.
type Candidate struct {
	Event            model.Event
	Channel          model.Channel
	Station          model.Station
	EventDistanceDeg float64
}

// Segment is the stage's output row: a Candidate plus its arrival
// time.
type Segment struct {
	Candidate
	ArrivalTime time.Time
}

// searchRadiusDeg evaluates the radius schedule: clamp
// magnitude to [min, max] of the schedule and linearly interpolate.
// The schedule must be sorted by Magnitude ascending and have at least
// one step; a single-step schedule returns a constant radius.
func searchRadiusDeg(schedule []RadiusStep, magnitude float64) float64 {
	if len(schedule) == 1 {
		return schedule[0].RadiusDeg
	}
	if magnitude <= schedule[0].Magnitude {
		return schedule[0].RadiusDeg
	}
	last := schedule[len(schedule)-1]
	if magnitude >= last.Magnitude {
		return last.RadiusDeg
	}
	for i := 0; i < len(schedule)-1; i++ {
		a, b := schedule[i], schedule[i+1]
		if magnitude >= a.Magnitude && magnitude <= b.Magnitude {
			frac := (magnitude - a.Magnitude) / (b.Magnitude - a.Magnitude)
			return a.RadiusDeg + frac*(b.RadiusDeg-a.RadiusDeg)
		}
	}
	return last.RadiusDeg
}

// greatCircleDistanceDeg returns the angular distance in degrees
// between two lat/lon points using the haversine formula.
func greatCircleDistanceDeg(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return c * 180 / math.Pi
}

// stationValid checks the station validity window: station must
// already exist at event time, and (if it has ended) its end time must
// be no earlier than one day after the event.
func stationValid(station model.Station, eventTime time.Time) bool {
	if station.StartTime.After(eventTime) {
		return false
	}
	if station.EndTime == nil {
		return true
	}
	return !station.EndTime.Before(eventTime.Add(24 * time.Hour))
}

// Merge produces the candidate Segment table for every event against
// every channel's station, applying the search radius and validity
// checks before consulting the travel-time table. An empty result is a
// terminal error.
func Merge(events []model.Event, rows channels.Batch, schedule []RadiusStep, table ttable.Table) (model.Batch[Segment], error) {
	var candidates []Candidate
	for _, ev := range events {
		radius := searchRadiusDeg(schedule, ev.Magnitude)
		for _, row := range rows {
			if !stationValid(row.Station, ev.Time) {
				continue
			}
			dist := greatCircleDistanceDeg(ev.Latitude, ev.Longitude, row.Station.Latitude, row.Station.Longitude)
			if dist > radius {
				continue
			}
			candidates = append(candidates, Candidate{
				Event:            ev,
				Channel:          row.Channel,
				Station:          row.Station,
				EventDistanceDeg: dist,
			})
		}
	}

	if len(candidates) == 0 {
		return nil, errs.NewTerminal("event-channel merge produced no candidates", nil)
	}

	depths := make([]float64, len(candidates))
	distances := make([]float64, len(candidates))
	for i, c := range candidates {
		depths[i] = c.Event.DepthKM
		distances[i] = c.EventDistanceDeg
	}

	travelTimes, err := table.Lookup(depths, distances)
	if err != nil {
		return nil, err
	}

	segments := make(model.Batch[Segment], 0, len(candidates))
	for i, c := range candidates {
		tt := travelTimes[i]
		if math.IsNaN(tt) {
			continue
		}
		arrival := c.Event.Time.Add(time.Duration(tt * float64(time.Second)))
		segments = append(segments, Segment{Candidate: c, ArrivalTime: arrival.Round(time.Microsecond)})
	}

	if len(segments) == 0 {
		return nil, errs.NewTerminal("event-channel merge: all candidates dropped for undefined travel time", nil)
	}

	return segments, nil
}
