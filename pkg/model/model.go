// Package model defines the pipeline's persistent entities and the
// tabular batch type moved by value between pipeline stages.
package model

import "time"

// WebService identifies a remote catalog web service. Immutable
// after insert.
type WebService struct {
	ID   int64
	Type string // currently only "event"
	URL  string
}

const WebServiceTypeEvent = "event"

// Organization names recognized for DataCenter.OrganizationName.
const (
	OrgEIDA  = "eida"
	OrgIRIS  = "iris"
	OrgOther = "other"
)

// DataCenter identifies one FDSN data center. Immutable after
// insert.
type DataCenter struct {
	ID               int64
	StationURL       string
	DataselectURL    string
	OrganizationName string // one of Org*, or "" for unknown
}

// Host returns the hostname a DataCenter's dataselect endpoint is served
// from, used to key the downloader's per-host stats matrix.
func (d DataCenter) Host() string {
	return hostOf(d.DataselectURL)
}

// Event is a seismic event row.
type Event struct {
	ID           int64
	WebServiceID int64
	EventID      string    // natural id, unique with WebServiceID
	Time         time.Time
	Latitude     float64
	Longitude    float64
	DepthKM      float64
	Magnitude    float64
}

// NaturalKey returns the (event_id, webservice_id) pair events are
// deduplicated on.
func (e Event) NaturalKey() [2]string {
	return [2]string{e.EventID, int64Key(e.WebServiceID)}
}

// Station is a network/station row shared across events.
type Station struct {
	ID           int64
	DataCenterID int64
	Network      string
	Station      string
	Latitude     float64
	Longitude    float64
	StartTime    time.Time
	EndTime      *time.Time // nullable
	InventoryXML []byte     // nullable, filled by a dedicated late phase
}

// NaturalKey is (network, station, start_time).
func (s Station) NaturalKey() [3]string {
	return [3]string{s.Network, s.Station, s.StartTime.UTC().Format(time.RFC3339Nano)}
}

// Channel is a (station, location, channel) stream identity.
type Channel struct {
	ID         int64
	StationID  int64
	Location   string  // "--" for empty location
	Channel    string
	SampleRate float64
}

// NaturalKey is (station_id, location, channel).
func (c Channel) NaturalKey() [3]string {
	return [3]string{int64Key(c.StationID), c.Location, c.Channel}
}

// Download response codes reserved outside the valid HTTP status range
//, chosen below 0 so they can never collide with a real HTTP
// status code (100-599).
const (
	URLErrCode      = -1
	MSEEDErrCode    = -2
	TimespanWarnCode = -3
	TimespanErrCode  = -4
)

// Segment is one time-bounded waveform record for (channel, event).
type Segment struct {
	ID               int64      // 0 (sentinel) means "not yet persisted"
	ChannelID        int64
	EventID          int64
	DataCenterID     int64
	DownloadID       int64
	EventDistanceDeg float64
	ArrivalTime      time.Time
	RequestStart     time.Time
	RequestEnd       time.Time
	StartTime        *time.Time // actual, nullable until downloaded
	EndTime          *time.Time
	SampleRate       *float64
	Data             []byte
	DataIdentifier   *string
	MaxGapNumSamples *float64
	DownloadCode     *int       // nil means "not yet attempted"
}

// NaturalKey is (channel_id, event_id); retry identity.
func (s Segment) NaturalKey() [2]string {
	return [2]string{int64Key(s.ChannelID), int64Key(s.EventID)}
}

// IsNew reports whether this row has never been persisted.
func (s Segment) IsNew() bool { return s.ID == 0 }

// Download is one pipeline run.
type Download struct {
	ID             int64
	RunTime        time.Time
	Config         string    // yaml text, verbatim
	ProgramVersion string
	Errors         int
	Warnings       int
	Log            string
}

func int64Key(v int64) string {
	// Defined separately so NaturalKey methods read uniformly; deliberately
	// not using strconv directly inline to keep the arrays above readable.
	return formatInt64(v)
}
