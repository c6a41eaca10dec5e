package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tidbyt.dev/ovapi/model"
)

// The requested timing point was absent from the response. The
// realtime endpoint answers unknown codes with an empty object.
var ErrStopNotFound = errors.New("timing point not in response")

// OVapi timestamps usually lack an offset, and are local time.
const localTimeLayout = "2006-01-02T15:04:05"

// Metadata for a timing point, as returned alongside its passes.
type TimingPointJSON struct {
	TimingPointCode string     `json:"TimingPointCode"`
	TimingPointName string     `json:"TimingPointName"`
	TimingPointTown string     `json:"TimingPointTown"`
	Latitude        coordinate `json:"Latitude"`
	Longitude       coordinate `json:"Longitude"`
}

type PassJSON struct {
	LinePublicNumber      string `json:"LinePublicNumber"`
	LinePlanningNumber    string `json:"LinePlanningNumber"`
	DestinationName50     string `json:"DestinationName50"`
	TransportType         string `json:"TransportType"`
	ExpectedArrivalTime   string `json:"ExpectedArrivalTime"`
	TargetArrivalTime     string `json:"TargetArrivalTime"`
	ExpectedDepartureTime string `json:"ExpectedDepartureTime"`
	TargetDepartureTime   string `json:"TargetDepartureTime"`
	TripStopStatus        string `json:"TripStopStatus"`
}

type timingPointEntryJSON struct {
	Stop   *TimingPointJSON           `json:"Stop"`
	Passes map[string]json.RawMessage `json:"Passes"`
}

// Contains key data from a single realtime response.
type Passes struct {
	StopCode    string
	Stop        *TimingPointJSON
	Departures  []model.Departure
	NumDropped  int
	NumReceived int
}

// Parses a /tpc/{code} response body.
//
// Passes that don't decode, or miss a line number, destination or
// either arrival time, are dropped rather than failing the whole
// response. Timestamps
// without an offset are interpreted in loc.
func ParsePasses(body []byte, stopCode string, loc *time.Location) (*Passes, error) {
	if loc == nil {
		loc = time.UTC
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}

	entryRaw, found := raw[stopCode]
	if !found {
		return nil, fmt.Errorf("%w: '%s'", ErrStopNotFound, stopCode)
	}

	entry := timingPointEntryJSON{}
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling timing point '%s': %w", stopCode, err)
	}

	result := &Passes{
		StopCode:    stopCode,
		Stop:        entry.Stop,
		Departures:  []model.Departure{},
		NumReceived: len(entry.Passes),
	}

	tripIDs := make([]string, 0, len(entry.Passes))
	for tripID := range entry.Passes {
		tripIDs = append(tripIDs, tripID)
	}
	sort.Strings(tripIDs)

	for _, tripID := range tripIDs {
		p := &PassJSON{}
		if err := json.Unmarshal(entry.Passes[tripID], &p); err != nil {
			result.NumDropped++
			continue
		}

		dep, ok := parsePass(tripID, stopCode, p, loc)
		if !ok {
			result.NumDropped++
			continue
		}
		result.Departures = append(result.Departures, dep)
	}

	return result, nil
}

func parsePass(tripID string, stopCode string, p *PassJSON, loc *time.Location) (model.Departure, bool) {
	if p == nil {
		return model.Departure{}, false
	}

	line := strings.TrimSpace(p.LinePublicNumber)
	dest := strings.TrimSpace(p.DestinationName50)
	if line == "" || dest == "" {
		return model.Departure{}, false
	}

	expected, err := ParseTimestamp(p.ExpectedArrivalTime, loc)
	if err != nil {
		return model.Departure{}, false
	}
	target, err := ParseTimestamp(p.TargetArrivalTime, loc)
	if err != nil {
		return model.Departure{}, false
	}

	// Departure variants are optional
	expectedDep, _ := ParseTimestamp(p.ExpectedDepartureTime, loc)
	targetDep, _ := ParseTimestamp(p.TargetDepartureTime, loc)

	return model.Departure{
		TripID:            tripID,
		StopCode:          stopCode,
		LineNumber:        line,
		Destination:       dest,
		TransportType:     model.ParseTransportType(p.TransportType),
		ExpectedArrival:   expected,
		TargetArrival:     target,
		ExpectedDeparture: expectedDep,
		TargetDeparture:   targetDep,
		Status:            model.ParseStatus(p.TripStopStatus),
	}, true
}

// Parses an RFC 3339 timestamp, or an offset-less local timestamp in
// loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localTimeLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp '%s'", s)
	}
	return t, nil
}
