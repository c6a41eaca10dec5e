package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tidbyt.dev/ovapi/model"
)

// A hand curated stop, for stops that work with the realtime endpoint
// but are missing from the static archive.
type SupplementaryStopJSON struct {
	StopID   string     `json:"stop_id"`
	StopName string     `json:"stop_name"`
	StopCode string     `json:"stop_code"`
	StopLat  coordinate `json:"stop_lat"`
	StopLon  coordinate `json:"stop_lon"`
	LineName string     `json:"line_name"`
	LineNum  string     `json:"line_num"`
}

// Accepts a JSON number, a numeric string, or an empty string.
type coordinate float64

func (c *coordinate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	s := string(data)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q", s)
	}
	*c = coordinate(f)
	return nil
}

// Parses the curated list. Entries sharing a stop_id are folded into
// a single record with the union of their line numbers.
func ParseSupplementary(data io.Reader) ([]*model.StopRecord, error) {
	entries := []*SupplementaryStopJSON{}
	if err := json.NewDecoder(data).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding supplementary stops: %w", err)
	}

	byID := map[string]*model.StopRecord{}
	lines := map[string]map[string]bool{}
	order := []string{}

	for i, e := range entries {
		if e == nil || e.StopID == "" {
			return nil, fmt.Errorf("entry %d has no stop_id", i)
		}
		if e.StopName == "" {
			return nil, fmt.Errorf("stop_id '%s' has no stop_name", e.StopID)
		}

		rec, found := byID[e.StopID]
		if !found {
			rec = &model.StopRecord{
				StopID:   e.StopID,
				StopCode: strings.TrimSpace(e.StopCode),
				Name:     e.StopName,
				Lat:      float64(e.StopLat),
				Lon:      float64(e.StopLon),
			}
			byID[e.StopID] = rec
			lines[e.StopID] = map[string]bool{}
			order = append(order, e.StopID)
		}

		if line := strings.TrimSpace(e.LineNum); line != "" {
			lines[e.StopID][line] = true
		}
	}

	records := make([]*model.StopRecord, 0, len(order))
	for _, id := range order {
		rec := byID[id]
		if len(lines[id]) > 0 {
			rec.Routes = capRoutes(lines[id])
		}
		records = append(records, rec)
	}

	return records, nil
}

// Adds the supplementary records whose stop_id is not already in
// stops. Existing records are never overridden. Returns the number of
// records added.
func MergeSupplementary(stops map[string]*model.StopRecord, extra []*model.StopRecord) int {
	added := 0
	for _, rec := range extra {
		if _, found := stops[rec.StopID]; found {
			continue
		}
		cp := *rec
		cp.Routes = append([]string(nil), rec.Routes...)
		stops[rec.StopID] = &cp
		added++
	}
	return added
}
