package model

import (
	"strings"
	"time"
)

// Holds all external facing types and constants.

type TransportType string

const (
	TransportTypeBus     TransportType = "BUS"
	TransportTypeTram    TransportType = "TRAM"
	TransportTypeMetro   TransportType = "METRO"
	TransportTypeTrain   TransportType = "TRAIN"
	TransportTypeFerry   TransportType = "FERRY"
	TransportTypeBoat    TransportType = "BOAT"
	TransportTypeUnknown TransportType = "UNKNOWN"
)

func ParseTransportType(s string) TransportType {
	switch t := TransportType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TransportTypeBus,
		TransportTypeTram,
		TransportTypeMetro,
		TransportTypeTrain,
		TransportTypeFerry,
		TransportTypeBoat:
		return t
	}
	return TransportTypeUnknown
}

type Status string

const (
	StatusPlanned   Status = "PLANNED"
	StatusDriving   Status = "DRIVING"
	StatusPassed    Status = "PASSED"
	StatusCancelled Status = "CANCELLED"
)

// Maps a TripStopStatus as reported by the realtime endpoint. ARRIVED
// means the vehicle is at the stop, which is treated as DRIVING.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DRIVING", "ARRIVED":
		return StatusDriving
	case "PASSED":
		return StatusPassed
	case "CANCEL", "CANCELED", "CANCELLED":
		return StatusCancelled
	}
	return StatusPlanned
}

// A vehicle passing a stop, as reported by the realtime endpoint.
type Departure struct {
	TripID            string        `json:"trip_id"`
	StopCode          string        `json:"stop_code"`
	LineNumber        string        `json:"line_number"`
	Destination       string        `json:"destination"`
	TransportType     TransportType `json:"transport_type"`
	ExpectedArrival   time.Time     `json:"expected_arrival"`
	TargetArrival     time.Time     `json:"target_arrival"`
	ExpectedDeparture time.Time     `json:"expected_departure,omitempty"`
	TargetDeparture   time.Time     `json:"target_departure,omitempty"`
	Status            Status        `json:"status"`
}

// Derived timing for a Departure at some point in time.
type Timing struct {
	DelayMinutes          int `json:"delay_minutes"`
	MinutesUntilDeparture int `json:"minutes_until_departure"`
}

// User supplied filters for a monitored stop.
type Filter struct {
	Line        string `json:"line,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// A stop from the static dataset (or the curated supplementary list).
type StopRecord struct {
	StopID   string   `json:"stop_id"`
	StopCode string   `json:"stop_code,omitempty"`
	Name     string   `json:"name"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Routes   []string `json:"routes,omitempty"`
}

// A search result. Stops sharing a name are grouped, exposing all of
// their codes (typically one per direction).
type SearchHit struct {
	Name           string   `json:"name"`
	City           string   `json:"city,omitempty"`
	StopCodes      []string `json:"stop_codes"`
	StopIDs        []string `json:"stop_ids"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	Routes         []string `json:"routes,omitempty"`
	Label          string   `json:"label"`
	DirectionCount int      `json:"direction_count"`
	ExactCode      bool     `json:"exact_code,omitempty"`
}

type MonitorState string

const (
	MonitorStateOK          MonitorState = "ok"
	MonitorStateStale       MonitorState = "stale"
	MonitorStateUnavailable MonitorState = "unavailable"
)

// Summary of a single upcoming vehicle.
type BusSummary struct {
	LineNumber            string        `json:"line_number"`
	Destination           string        `json:"destination"`
	StopCode              string        `json:"stop_code"`
	ExpectedArrival       time.Time     `json:"expected_arrival"`
	TargetArrival         time.Time     `json:"target_arrival"`
	DelayMinutes          int           `json:"delay_minutes"`
	TransportType         TransportType `json:"transport_type"`
	MinutesUntilDeparture int           `json:"minutes_until_departure"`
}

func (b *BusSummary) String() string {
	return b.LineNumber + " → " + b.Destination
}

// Everything exposed for display about a monitored stop.
type Metrics struct {
	Name                string       `json:"name"`
	StopCodes           []string     `json:"stop_codes"`
	State               MonitorState `json:"state"`
	Message             string       `json:"message,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`

	Current *BusSummary `json:"current,omitempty"`
	Next    *BusSummary `json:"next,omitempty"`

	WalkingMinutes int  `json:"walking_minutes"`
	TimeToLeave    *int `json:"time_to_leave,omitempty"`
	ShouldLeaveNow bool `json:"should_leave_now"`
}
