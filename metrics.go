package ovapi

import (
	"time"

	"tidbyt.dev/ovapi/model"
)

// Display summary of a departure as of now.
func Summarize(d model.Departure, now time.Time) *model.BusSummary {
	timing := ComputeTiming(d, now)
	return &model.BusSummary{
		LineNumber:            d.LineNumber,
		Destination:           d.Destination,
		StopCode:              d.StopCode,
		ExpectedArrival:       d.ExpectedArrival,
		TargetArrival:         d.TargetArrival,
		DelayMinutes:          timing.DelayMinutes,
		TransportType:         d.TransportType,
		MinutesUntilDeparture: timing.MinutesUntilDeparture,
	}
}
