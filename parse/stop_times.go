package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/ovapi/model"
)

type StopTimeCSV struct {
	TripID       string `csv:"trip_id"`
	StopID       string `csv:"stop_id"`
	StopSequence uint32 `csv:"stop_sequence"`
}

// Streams stop_times.txt, collecting the set of line numbers serving
// each stop. lineByTrip maps trip_id to line number, as returned by
// ParseTrips.
//
// stop_times.txt is by far the largest file in most feeds, so rows are
// never held in memory.
func ParseStopTimes(
	data io.Reader,
	lineByTrip map[string]string,
	stops map[string]*model.StopRecord,
) (map[string]map[string]bool, error) {

	linesByStop := map[string]map[string]bool{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		line, found := lineByTrip[st.TripID]
		if !found {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}

		// stop_times may reference locations we don't index
		// (boarding areas and such). Those are ignored.
		if _, found := stops[st.StopID]; !found {
			return nil
		}

		lines, found := linesByStop[st.StopID]
		if !found {
			lines = map[string]bool{}
			linesByStop[st.StopID] = lines
		}
		lines[line] = true

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return linesByStop, nil
}
