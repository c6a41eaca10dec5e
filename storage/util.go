package storage

import (
	"math"
	"sort"

	"tidbyt.dev/ovapi/model"
)

const earthRadiusKm = 6371.0

// Great-circle distance in km between two points given in degrees.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(bLat - aLat)
	dLon := toRad(bLon - aLon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(aLat))*math.Cos(toRad(bLat))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Distance in km from a stop to a point.
func StopDistance(stop *model.StopRecord, lat float64, lon float64) float64 {
	return HaversineDistance(stop.Lat, stop.Lon, lat, lon)
}

// Curated stops may come without coordinates, which end up as 0,0.
func HasLocation(stop *model.StopRecord) bool {
	return stop != nil && (stop.Lat != 0 || stop.Lon != 0)
}

func sortedStopIDs(stops map[string]*model.StopRecord) []string {
	ids := make([]string, 0, len(stops))
	for id := range stops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
