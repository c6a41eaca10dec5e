package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

type TripCSV struct {
	ID        string `csv:"trip_id"`
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	Headsign  string `csv:"trip_headsign"`
	// DirectionID int8   `csv:"direction_id"`
}

// Parses trips.txt into a map from trip_id to the line number of the
// trip's route.
func ParseTrips(data io.Reader, routes map[string]string) (map[string]string, error) {
	tripCsv := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &tripCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := map[string]string{}
	for _, t := range tripCsv {
		if t.ID == "" {
			return nil, fmt.Errorf("empty trip_id")
		}
		if _, found := trips[t.ID]; found {
			return nil, fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		if t.RouteID == "" {
			return nil, fmt.Errorf("empty route_id")
		}

		line, found := routes[t.RouteID]
		if !found {
			return nil, fmt.Errorf("unknown route_id '%s'", t.RouteID)
		}

		trips[t.ID] = line
	}

	return trips, nil
}
