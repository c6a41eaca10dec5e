package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/storage"
)

func writeFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ovapi.DefaultRealtimeURL, cfg.RealtimeURL)
	assert.Equal(t, ovapi.DefaultStaticURL, cfg.StaticURL)
	assert.Equal(t, "Europe/Amsterdam", cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, DefaultCachePath, cfg.Cache.Path)
	assert.Empty(t, cfg.Monitors)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Amsterdam", loc.String())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "ovapi.yaml", `
realtime_url: http://localhost:1234
timezone: UTC
log_level: debug
cache:
  backend: sqlite
  path: /tmp/ovapi
monitors:
  - name: Home
    stop: "30001953"
    walking_minutes: 5
  - stop: Centraal Station
    direction: "30001954"
    line: "7"
    destination: velp
    poll_interval: 90
  - stop: Velp, Centrum
    poll_interval: 3600
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:1234", cfg.RealtimeURL)
	assert.Equal(t, ovapi.DefaultStaticURL, cfg.StaticURL)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, CacheConfig{Backend: BackendSQLite, Path: "/tmp/ovapi"}, cfg.Cache)
	require.Len(t, cfg.Monitors, 3)

	assert.Equal(t, ovapi.MonitorConfig{
		Name:           "Home",
		Stop:           "30001953",
		WalkingMinutes: 5,
		PollInterval:   60 * time.Second,
	}, cfg.Monitors[0].Monitor())
	assert.Equal(t, ovapi.MonitorConfig{
		Stop:         "Centraal Station",
		Direction:    "30001954",
		Line:         "7",
		Destination:  "velp",
		PollInterval: 90 * time.Second,
	}, cfg.Monitors[1].Monitor())
	assert.Equal(t, 300*time.Second, cfg.Monitors[2].Monitor().PollInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "ovapi.yaml", `
realtime_url: http://localhost:1234
cache:
  backend: memory
`)

	t.Setenv("OVAPI_REALTIME_URL", "http://override:5678")
	t.Setenv("OVAPI_CACHE_BACKEND", "postgres")
	t.Setenv("OVAPI_CACHE_DSN", "postgres://localhost/ovapi")
	t.Setenv("OVAPI_LOG_LEVEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://override:5678", cfg.RealtimeURL)
	assert.Equal(t, BackendPostgres, cfg.Cache.Backend)
	assert.Equal(t, "postgres://localhost/ovapi", cfg.Cache.DSN)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "OVAPI_TEST_DOTENV_DIR=/var/lib/ovapi\n")
	t.Cleanup(func() { os.Unsetenv("OVAPI_TEST_DOTENV_DIR") })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "/var/lib/ovapi", os.Getenv("OVAPI_TEST_DOTENV_DIR"))
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{"bad_backend", "cache: {backend: redis}"},
		{"postgres_without_dsn", "cache: {backend: postgres}"},
		{"file_without_path", "cache: {backend: file, path: ''}"},
		{"bad_timezone", "timezone: Mars/Olympus_Mons"},
		{"bad_log_level", "log_level: chatty"},
		{"bad_url", "realtime_url: not a url"},
		{"monitor_without_stop", "monitors: [{name: x}]"},
		{"negative_walking", "monitors: [{stop: '30001953', walking_minutes: -1}]"},
		{"negative_interval", "monitors: [{stop: '30001953', poll_interval: -5}]"},
		{"unknown_field", "realtime: http://localhost"},
		{"malformed", "monitors: [{"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "ovapi.yaml", tc.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStorage(t *testing.T) {
	cfg := Default()

	cfg.Cache = CacheConfig{Backend: BackendMemory}
	s, err := cfg.Storage()
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, s)

	cfg.Cache = CacheConfig{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "cache", "stops.json")}
	s, err = cfg.Storage()
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStorage{}, s)

	cfg.Cache = CacheConfig{Backend: BackendSQLite}
	s, err = cfg.Storage()
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteStorage{}, s)
	s.Close()

	cfg.Cache = CacheConfig{Backend: "redis"}
	_, err = cfg.Storage()
	assert.Error(t, err)
}

func TestStopCache(t *testing.T) {
	supplementary := writeFile(t, "stops.json", `[{"stop_id": "x", "stop_name": "Extra", "stop_code": "39999999"}]`)

	cfg := Default()
	cfg.StaticDir = t.TempDir()
	cfg.SupplementaryPath = supplementary

	cache, err := cfg.StopCache(storage.NewMemoryStorage())
	require.NoError(t, err)
	require.Len(t, cache.Supplementary, 1)
	assert.Equal(t, "39999999", cache.Supplementary[0].StopCode)
	assert.Equal(t, "Europe/Amsterdam", cache.Location.String())

	cfg.StaticDir = filepath.Join(t.TempDir(), "missing")
	_, err = cfg.StopCache(storage.NewMemoryStorage())
	assert.Error(t, err)
}
