package ovapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/ovapi/downloader"
	"tidbyt.dev/ovapi/model"
	"tidbyt.dev/ovapi/storage"
	"tidbyt.dev/ovapi/testutil"
)

const (
	todayArchive     = "/govi/gtfs-kv7-20241201.zip"
	yesterdayArchive = "/govi/gtfs-kv7-20241130.zip"
	undatedArchive   = "/govi/gtfs-kv7.zip"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, server *testutil.MockOVapiServer, s storage.Storage) (*StopCache, *testClock) {
	amsterdam, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 12, 1, 14, 31, 0, 0, amsterdam)}

	cache := NewStopCache(s)
	cache.StaticURL = server.URL() + "/govi"
	cache.Location = amsterdam
	cache.Downloader = downloader.NewHTTP()
	cache.Now = clock.Now

	return cache, clock
}

func storedEnvelope(version int, lastUpdate time.Time) *storage.Envelope {
	return &storage.Envelope{
		Version:    version,
		LastUpdate: lastUpdate,
		Stops: map[string]*model.StopRecord{
			"old:1": &model.StopRecord{
				StopID:   "old:1",
				StopCode: "30001953",
				Name:     "Arnhem, Centraal Station",
				Lat:      51.98437,
				Lon:      5.8996,
				Routes:   []string{"102"},
			},
		},
	}
}

func TestArchiveCandidates(t *testing.T) {
	amsterdam, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"gtfs-kv7-20241201.zip",
		"gtfs-kv7-20241130.zip",
		"gtfs-kv7.zip",
	}, ArchiveCandidates(time.Date(2024, 12, 1, 14, 31, 0, 0, amsterdam), amsterdam))

	// Already tomorrow in Amsterdam
	assert.Equal(t, []string{
		"gtfs-kv7-20241202.zip",
		"gtfs-kv7-20241201.zip",
		"gtfs-kv7.zip",
	}, ArchiveCandidates(time.Date(2024, 12, 1, 23, 30, 0, 0, time.UTC), amsterdam))

	// Across month and year boundaries
	assert.Equal(t, []string{
		"gtfs-kv7-20250101.zip",
		"gtfs-kv7-20241231.zip",
		"gtfs-kv7.zip",
	}, ArchiveCandidates(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), amsterdam))
}

func TestStopCacheDownloadAndPersist(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	s := storage.NewMemoryStorage()
	cache, clock := newTestCache(t, server, s)

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.True(t, clock.Now().Equal(snap.LastUpdate))

	// 4 from the archive, 1 supplementary
	assert.Equal(t, 5, snap.Index.Len())
	assert.Equal(t, []string{todayArchive}, server.Requests())

	env, err := s.ReadEnvelope()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, CacheVersion, env.Version)
	assert.True(t, clock.Now().Equal(env.LastUpdate))
	assert.Len(t, env.Stops, 5)
	assert.Equal(t, []string{"102", "7"}, env.Stops["stoparea:2"].Routes)

	// Fresh snapshot served from memory
	server.ResetRequests()
	clock.Advance(23 * time.Hour)
	again, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, again)
	assert.Equal(t, 0, len(server.Requests()))

	// Expired, so downloaded again. It's now the 2nd, so the
	// archive found is yesterday's.
	clock.Advance(time.Hour)
	again, err = cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, snap, again)
	assert.Equal(t, []string{"/govi/gtfs-kv7-20241202.zip", todayArchive}, server.Requests())
}

func TestStopCacheSearch(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	cache, _ := newTestCache(t, server, storage.NewMemoryStorage())

	hits := cache.Search(context.Background(), "centraal")
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"30001953", "30001954"}, hits[0].StopCodes)
	assert.Equal(t, []string{"102", "7"}, hits[0].Routes)
	assert.Equal(t, 2, hits[0].DirectionCount)

	// Supplementary stop not in the archive
	hits = cache.Search(context.Background(), "huslystraat")
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"31002742"}, hits[0].StopCodes)

	stop := cache.Lookup(context.Background(), "30002001")
	require.NotNil(t, stop)
	assert.Equal(t, "Velp, Centrum", stop.Name)
	assert.Equal(t, []string{"7"}, stop.Routes)

	nearby := cache.Nearby(context.Background(), 51.99602, 5.97333, 1)
	require.Len(t, nearby, 1)
	assert.Equal(t, "30002001", nearby[0].StopCode)

	// One download served all of the above
	assert.Equal(t, 1, len(server.Requests()))
}

func TestStopCacheFreshStorageSkipsNetwork(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()

	s := storage.NewMemoryStorage()
	cache, clock := newTestCache(t, server, s)
	require.NoError(t, s.WriteEnvelope(storedEnvelope(CacheVersion, clock.Now().Add(-time.Hour))))

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, 1, snap.Index.Len())

	hits := cache.Search(context.Background(), "30001953")
	require.Len(t, hits, 1)
	assert.True(t, hits[0].ExactCode)

	assert.Equal(t, 0, len(server.Requests()))
}

func TestStopCacheCandidateFallback(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(undatedArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	cache, _ := newTestCache(t, server, storage.NewMemoryStorage())

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, []string{todayArchive, yesterdayArchive, undatedArchive}, server.Requests())

	// Server errors other than 429 also move on
	server.ResetRequests()
	server.SetStatus(todayArchive, http.StatusInternalServerError, nil)
	server.SetArchive(yesterdayArchive, testutil.BuildZip(t, testutil.ValidArchive()))
	_, err = cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{todayArchive, yesterdayArchive}, server.Requests())
}

func TestStopCacheRateLimitedWithStaleData(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetStatus(todayArchive, http.StatusTooManyRequests, nil)
	server.SetArchive(undatedArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	s := storage.NewMemoryStorage()
	cache, clock := newTestCache(t, server, s)
	lastUpdate := clock.Now().Add(-25 * time.Hour)
	require.NoError(t, s.WriteEnvelope(storedEnvelope(CacheVersion, lastUpdate)))

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.True(t, lastUpdate.Equal(snap.LastUpdate))
	assert.Equal(t, 1, snap.Index.Len())

	// 429 ends the attempt, no other candidates tried
	assert.Equal(t, []string{todayArchive}, server.Requests())

	// Stored envelope untouched
	env, err := s.ReadEnvelope()
	require.NoError(t, err)
	assert.True(t, lastUpdate.Equal(env.LastUpdate))
	assert.Equal(t, 1, s.Writes)

	// Searches keep working on the stale data
	hits := cache.Search(context.Background(), "centraal")
	require.Len(t, hits, 1)

	status := cache.Status()
	assert.True(t, status.Loaded)
	assert.True(t, status.Stale)
	assert.Equal(t, 1, status.Stops)
	assert.True(t, clock.Now().Add(DefaultRetryCooldown).Equal(status.RetryAt))
	assert.NotEmpty(t, status.LastError)

	// Refresh reports the failure but still hands out the stale data
	snap, err = cache.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	require.NotNil(t, snap)
	assert.True(t, snap.Stale)
}

func TestStopCacheRateLimitedWithoutData(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetStatus(todayArchive, http.StatusTooManyRequests, nil)

	cache, _ := newTestCache(t, server, storage.NewMemoryStorage())

	snap, err := cache.Ensure(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, errors.Is(err, ErrDataUnavailable))
	assert.True(t, errors.Is(err, ErrRateLimited))

	// Search degrades to no results
	assert.Equal(t, []model.SearchHit{}, cache.Search(context.Background(), "centraal"))
	assert.Nil(t, cache.Lookup(context.Background(), "30001953"))
	assert.Equal(t, []model.StopRecord{}, cache.Nearby(context.Background(), 52, 5, 5))

	assert.False(t, cache.Status().Loaded)
}

func TestStopCacheRetryCooldown(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()

	cache, clock := newTestCache(t, server, storage.NewMemoryStorage())

	// Nothing available anywhere
	_, err := cache.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataUnavailable))
	assert.Equal(t, 3, len(server.Requests()))

	// No new attempts while cooling down
	clock.Advance(time.Minute)
	_, err = cache.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, len(server.Requests()))

	// Then another round
	clock.Advance(DefaultRetryCooldown)
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))
	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, 4, len(server.Requests()))
	assert.True(t, cache.Status().RetryAt.IsZero())
}

func TestStopCacheRetryAfter(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetStatus(todayArchive, http.StatusTooManyRequests, map[string]string{"Retry-After": "3600"})

	cache, clock := newTestCache(t, server, storage.NewMemoryStorage())

	_, err := cache.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, len(server.Requests()))

	// Past the default cooldown, but not Retry-After
	clock.Advance(30 * time.Minute)
	_, err = cache.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, len(server.Requests()))

	clock.Advance(31 * time.Minute)
	server.ClearStatus(todayArchive)
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))
	_, err = cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, len(server.Requests()))
}

func TestStopCacheInvalidStorage(t *testing.T) {
	for _, tc := range []struct {
		name     string
		envelope *storage.Envelope
	}{
		{"old version", storedEnvelope(CacheVersion-1, time.Now())},
		{"newer version", storedEnvelope(CacheVersion+1, time.Now())},
		{"no timestamp", storedEnvelope(CacheVersion, time.Time{})},
		{"no stops", &storage.Envelope{Version: CacheVersion, LastUpdate: time.Now()}},
		{"null stop", &storage.Envelope{
			Version:    CacheVersion,
			LastUpdate: time.Now(),
			Stops:      map[string]*model.StopRecord{"a": nil},
		}},
		{"stop under wrong key", &storage.Envelope{
			Version:    CacheVersion,
			LastUpdate: time.Now(),
			Stops: map[string]*model.StopRecord{
				"a": &model.StopRecord{StopID: "b", StopCode: "30001953", Name: "Arnhem, Centraal Station"},
			},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			server := testutil.NewMockOVapiServer()
			defer server.Close()
			server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

			s := storage.NewMemoryStorage()
			require.NoError(t, s.WriteEnvelope(tc.envelope))
			cache, _ := newTestCache(t, server, s)

			// Treated as absent, so downloaded
			snap, err := cache.Ensure(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, snap.Index.Len())
			assert.Equal(t, 1, len(server.Requests()))

			env, err := s.ReadEnvelope()
			require.NoError(t, err)
			assert.Equal(t, CacheVersion, env.Version)
		})
	}
}

func TestStopCacheCorruptFile(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	path := filepath.Join(t.TempDir(), "stops.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 8, "last_update": "2024-12-01T13:00:00Z", "stops": {`), 0644))

	s, err := storage.NewFileStorage(path)
	require.NoError(t, err)
	cache, _ := newTestCache(t, server, s)

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Index.Len())

	// And the file was replaced with a valid envelope
	env, err := s.ReadEnvelope()
	require.NoError(t, err)
	assert.NoError(t, env.Validate(CacheVersion))
}

func TestStopCacheNullStopInFile(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	path := filepath.Join(t.TempDir(), "stops.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 8, "last_update": "2024-12-01T13:00:00Z", "stops": {"a": null}}`), 0644))

	s, err := storage.NewFileStorage(path)
	require.NoError(t, err)
	cache, _ := newTestCache(t, server, s)

	hits := cache.Search(context.Background(), "Centraal Station")
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"30001953", "30001954"}, hits[0].StopCodes)
	assert.Equal(t, []string{todayArchive}, server.Requests())
}

func TestStopCacheParseFailure(t *testing.T) {
	broken := testutil.ValidArchive()
	delete(broken, "stop_times.txt")

	for _, tc := range []struct {
		name    string
		archive []byte
	}{
		{"not a zip", []byte("<html>oops</html>")},
		{"missing table", testutil.BuildZip(t, broken)},
	} {
		t.Run(tc.name+" without data", func(t *testing.T) {
			server := testutil.NewMockOVapiServer()
			defer server.Close()
			server.SetArchive(todayArchive, tc.archive)

			cache, _ := newTestCache(t, server, storage.NewMemoryStorage())

			_, err := cache.Ensure(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDataUnavailable))
			assert.True(t, errors.Is(err, ErrData))

			// Parse failures don't move on to other candidates
			assert.Equal(t, []string{todayArchive}, server.Requests())
		})

		t.Run(tc.name+" with stale data", func(t *testing.T) {
			server := testutil.NewMockOVapiServer()
			defer server.Close()
			server.SetArchive(todayArchive, tc.archive)

			s := storage.NewMemoryStorage()
			cache, clock := newTestCache(t, server, s)
			require.NoError(t, s.WriteEnvelope(storedEnvelope(CacheVersion, clock.Now().Add(-48*time.Hour))))

			snap, err := cache.Ensure(context.Background())
			require.NoError(t, err)
			assert.True(t, snap.Stale)
			assert.Equal(t, 1, snap.Index.Len())
		})
	}
}

func TestStopCacheRefreshForcesDownload(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	s := storage.NewMemoryStorage()
	cache, clock := newTestCache(t, server, s)
	require.NoError(t, s.WriteEnvelope(storedEnvelope(CacheVersion, clock.Now().Add(-time.Hour))))

	snap, err := cache.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Index.Len())
	assert.Equal(t, 0, len(server.Requests()))

	snap, err = cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Index.Len())
	assert.True(t, clock.Now().Equal(snap.LastUpdate))
	assert.Equal(t, 1, len(server.Requests()))
}

func TestStopCacheConcurrentEnsure(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	cache, _ := newTestCache(t, server, storage.NewMemoryStorage())

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 10)
	for i := range snaps {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := cache.Ensure(context.Background())
			assert.NoError(t, err)
			snaps[i] = snap
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, len(server.Requests()))
	for _, snap := range snaps {
		assert.Same(t, snaps[0], snap)
	}
}

func TestStopCacheSupplementary(t *testing.T) {
	server := testutil.NewMockOVapiServer()
	defer server.Close()
	server.SetArchive(todayArchive, testutil.BuildZip(t, testutil.ValidArchive()))

	cache, _ := newTestCache(t, server, storage.NewMemoryStorage())
	cache.Supplementary = []*model.StopRecord{
		// Already present; the archive wins
		{StopID: "stoparea:1", StopCode: "99999999", Name: "Overridden"},
		{StopID: "custom_1", StopCode: "12345678", Name: "Test City, Test Street", Routes: []string{"42"}},
	}

	hits := cache.Search(context.Background(), "test street")
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"12345678"}, hits[0].StopCodes)
	assert.Equal(t, []string{"42"}, hits[0].Routes)

	assert.Nil(t, cache.Lookup(context.Background(), "99999999"))
	assert.Equal(t, "Arnhem, Centraal Station", cache.Lookup(context.Background(), "30001953").Name)
}

func TestDefaultSupplementary(t *testing.T) {
	records, err := DefaultSupplementary()
	require.NoError(t, err)

	codes := map[string]string{}
	for _, r := range records {
		codes[r.StopCode] = r.Name
	}
	assert.Equal(t, "Rotterdam, Huslystraat", codes["31002742"])
}

func TestLoadSupplementary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom_stops.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"stop_id": "x", "stop_name": "X", "stop_code": "12345678", "stop_lat": "52.1", "stop_lon": 4.2, "line_num": "1"}]`), 0644))

	records, err := LoadSupplementary(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 52.1, records[0].Lat)
	assert.Equal(t, 4.2, records[0].Lon)
	assert.Equal(t, []string{"1"}, records[0].Routes)

	_, err = LoadSupplementary(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
