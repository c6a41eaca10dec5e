package ovapi

import (
	"math"
	"sort"
	"strings"
	"time"

	"tidbyt.dev/ovapi/model"
)

// Drops cancelled departures and those not matching the filter.
// Input order is kept.
func FilterPasses(departures []model.Departure, filter model.Filter) []model.Departure {
	line := strings.TrimSpace(filter.Line)
	destination := strings.ToLower(strings.TrimSpace(filter.Destination))

	filtered := []model.Departure{}
	for _, d := range departures {
		if d.Status == model.StatusCancelled {
			continue
		}
		if line != "" && d.LineNumber != line {
			continue
		}
		if destination != "" && !strings.Contains(strings.ToLower(d.Destination), destination) {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered
}

// Orders by expected arrival, then trip ID.
func SortDepartures(departures []model.Departure) {
	sort.SliceStable(departures, func(i, j int) bool {
		a, b := departures[i], departures[j]
		if !a.ExpectedArrival.Equal(b.ExpectedArrival) {
			return a.ExpectedArrival.Before(b.ExpectedArrival)
		}
		return a.TripID < b.TripID
	})
}

// Picks the soonest and second soonest departures. Cancelled and
// passed departures are skipped. Either may be nil.
func SelectUpcoming(departures []model.Departure) (*model.Departure, *model.Departure) {
	candidates := make([]model.Departure, 0, len(departures))
	for _, d := range departures {
		if d.Status == model.StatusCancelled || d.Status == model.StatusPassed {
			continue
		}
		candidates = append(candidates, d)
	}
	SortDepartures(candidates)

	var current, next *model.Departure
	if len(candidates) > 0 {
		current = &candidates[0]
	}
	if len(candidates) > 1 {
		next = &candidates[1]
	}
	return current, next
}

// Delay and time until departure, in whole minutes, as of now.
func ComputeTiming(d model.Departure, now time.Time) model.Timing {
	until := roundMinutes(d.ExpectedArrival.Sub(now))
	if until < 0 {
		until = 0
	}
	return model.Timing{
		DelayMinutes:          roundMinutes(d.ExpectedArrival.Sub(d.TargetArrival)),
		MinutesUntilDeparture: until,
	}
}

// Rounds half up, so 2.5 minutes is 3 and -1.5 minutes is -1.
func roundMinutes(d time.Duration) int {
	return int(math.Floor(d.Minutes() + 0.5))
}
