package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

type RouteCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Type      string `csv:"route_type"`
}

// Parses routes.txt into a map from route_id to the public line
// number. The short name is what's shown on the vehicle. Routes
// lacking one fall back to the long name.
func ParseRoutes(data io.Reader) (map[string]string, error) {
	routeCsv := []*RouteCSV{}
	if err := gocsv.Unmarshal(data, &routeCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling routes: %v", err)
	}

	routes := map[string]string{}

	for _, r := range routeCsv {
		// ID is required
		if r.ID == "" {
			return nil, fmt.Errorf("route has no route_id")
		}

		if _, found := routes[r.ID]; found {
			return nil, fmt.Errorf("repeated route_id: '%s'", r.ID)
		}

		// ShortName or LongName is required
		if r.ShortName == "" && r.LongName == "" {
			return nil, fmt.Errorf("route_id '%s' has no short_name or long_name", r.ID)
		}

		line := r.ShortName
		if line == "" {
			line = r.LongName
		}
		routes[r.ID] = line
	}

	return routes, nil
}
