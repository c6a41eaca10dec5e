package parse

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/ovapi/model"
)

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// Two stops on opposite sides of the street, served by two lines.
func fixtureSimple() map[string][]string {
	return map[string][]string{
		"routes.txt": []string{
			"route_id,agency_id,route_short_name,route_long_name,route_type",
			"r102,ARR,102,Arnhem - Ede,3",
			"r7,ARR,7,,3",
			"rx,ARR,,Sneltrein,2",
		},
		"trips.txt": []string{
			"route_id,service_id,trip_id",
			"r102,s,t1",
			"r102,s,t2",
			"r7,s,t3",
			"rx,s,t4",
		},
		"stops.txt": []string{
			"stop_id,stop_code,stop_name,stop_lat,stop_lon,location_type,parent_station",
			"a,30001953,\"Arnhem, Centraal Station\",51.984,5.899,0,",
			"b,30001954,\"Arnhem, Centraal Station\",51.985,5.898,0,",
			"c,,Depot,51.0,5.0,0,",
			"e,,Entrance,,,2,",
		},
		"stop_times.txt": []string{
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"t1,12:00:00,12:00:00,a,1",
			"t2,12:10:00,12:10:00,a,1",
			"t3,12:20:00,12:20:00,a,2",
			"t3,12:25:00,12:25:00,b,3",
			"t4,12:30:00,12:30:00,b,1",
			"t4,12:31:00,12:31:00,e,2",
		},
	}
}

func TestParseValidFeed(t *testing.T) {
	stops, err := ParseStatic(buildZip(t, fixtureSimple()))
	require.NoError(t, err)

	assert.Equal(t, map[string]*model.StopRecord{
		"a": &model.StopRecord{
			StopID:   "a",
			StopCode: "30001953",
			Name:     "Arnhem, Centraal Station",
			Lat:      51.984,
			Lon:      5.899,
			Routes:   []string{"102", "7"},
		},
		"b": &model.StopRecord{
			StopID:   "b",
			StopCode: "30001954",
			Name:     "Arnhem, Centraal Station",
			Lat:      51.985,
			Lon:      5.898,
			Routes:   []string{"7", "Sneltrein"},
		},
		"c": &model.StopRecord{
			StopID: "c",
			Name:   "Depot",
			Lat:    51.0,
			Lon:    5.0,
		},
	}, stops)
}

func TestParseMissingFiles(t *testing.T) {
	for _, missing := range []string{"routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		files := fixtureSimple()
		delete(files, missing)
		_, err := ParseStatic(buildZip(t, files))
		require.Error(t, err, missing)
		assert.Contains(t, err.Error(), missing)
	}
}

func TestParseNotAZip(t *testing.T) {
	_, err := ParseStatic([]byte("<html>rate limited</html>"))
	assert.Error(t, err)
}

func TestParseSubdirectoryAndBOM(t *testing.T) {
	files := map[string][]string{}
	for name, content := range fixtureSimple() {
		files["gtfs-kv7/"+name] = content
	}
	files["gtfs-kv7/stops.txt"][0] = "\ufeff" + files["gtfs-kv7/stops.txt"][0]

	stops, err := ParseStatic(buildZip(t, files))
	require.NoError(t, err)
	require.Contains(t, stops, "a")
	assert.Equal(t, "30001953", stops["a"].StopCode)
	assert.Equal(t, []string{"102", "7"}, stops["a"].Routes)
}

func TestParseRoutesCapped(t *testing.T) {
	routes := []string{"route_id,route_short_name,route_type"}
	trips := []string{"route_id,service_id,trip_id"}
	stopTimes := []string{"trip_id,arrival_time,departure_time,stop_id,stop_sequence"}
	for i := 0; i < MaxRoutesPerStop+10; i++ {
		id := string(rune('A'+i/26)) + string(rune('a'+i%26))
		routes = append(routes, "r"+id+","+id+",3")
		trips = append(trips, "r"+id+",s,t"+id)
		stopTimes = append(stopTimes, "t"+id+",12:00:00,12:00:00,a,1")
	}

	stops, err := ParseStatic(buildZip(t, map[string][]string{
		"routes.txt":     routes,
		"trips.txt":      trips,
		"stops.txt":      {"stop_id,stop_code,stop_name,stop_lat,stop_lon", "a,11111111,A,52,4"},
		"stop_times.txt": stopTimes,
	}))
	require.NoError(t, err)
	assert.Len(t, stops["a"].Routes, MaxRoutesPerStop)
	assert.Equal(t, "Aa", stops["a"].Routes[0])
}
