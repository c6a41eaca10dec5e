package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"tidbyt.dev/ovapi/model"
)

// At most this many distinct line numbers are kept per stop.
const MaxRoutesPerStop = 30

// Parses a static GTFS archive into stop records keyed by stop_id.
//
// Each stop is annotated with the short names of all routes serving
// it, found by joining stop_times.txt -> trips.txt -> routes.txt.
func ParseStatic(buf []byte) (map[string]*model.StopRecord, error) {
	file := map[string]io.ReadCloser{
		"routes.txt":     nil,
		"stops.txt":      nil,
		"trips.txt":      nil,
		"stop_times.txt": nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if rc, found := file[fName]; !found || rc != nil {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	for _, required := range []string{"routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	routes, err := ParseRoutes(file["routes.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	trips, err := ParseTrips(file["trips.txt"], routes)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	stops, err := ParseStops(file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	linesByStop, err := ParseStopTimes(file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	for stopID, lines := range linesByStop {
		stops[stopID].Routes = capRoutes(lines)
	}

	return stops, nil
}

func capRoutes(lines map[string]bool) []string {
	routes := make([]string, 0, len(lines))
	for line := range lines {
		routes = append(routes, line)
	}
	sort.Strings(routes)
	if len(routes) > MaxRoutesPerStop {
		routes = routes[:MaxRoutesPerStop]
	}
	return routes
}
