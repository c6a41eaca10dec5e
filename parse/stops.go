package parse

import (
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/ovapi/model"
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
	// PlatformCode  string  `csv:"platform_code"`
}

// Location types that carry a name and coordinates. Entrances, generic
// nodes and boarding areas are skipped.
func namedLocation(t int8) bool {
	return t == 0 || t == 1
}

func ParseStops(data io.Reader) (map[string]*model.StopRecord, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stops := map[string]*model.StopRecord{}
	seen := map[string]bool{}
	for _, st := range stopCsv {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if seen[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		seen[st.ID] = true

		if !namedLocation(st.LocationType) {
			continue
		}

		// stop_name is required for stops and stations
		if st.Name == "" {
			return nil, fmt.Errorf("empty stop_name for stop_id '%s'", st.ID)
		}

		stops[st.ID] = &model.StopRecord{
			StopID:   st.ID,
			StopCode: strings.TrimSpace(st.Code),
			Name:     st.Name,
			Lat:      st.Lat,
			Lon:      st.Lon,
		}
	}

	return stops, nil
}
