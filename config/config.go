package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tidbyt.dev/ovapi"
	"tidbyt.dev/ovapi/downloader"
	"tidbyt.dev/ovapi/storage"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	DefaultCachePath = "ovapi-cache.json"
	DefaultListen    = ":8080"
	DefaultLogLevel  = "info"

	// Prefix of environment variables overriding file settings.
	EnvPrefix = "OVAPI_"
)

type CacheConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory file sqlite postgres"`

	// File path for the file backend, directory for sqlite (in
	// memory if empty).
	Path string `yaml:"path"`

	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`
}

type MonitorConfig struct {
	Name        string `yaml:"name"`
	Stop        string `yaml:"stop" validate:"required"`
	Direction   string `yaml:"direction"`
	Line        string `yaml:"line"`
	Destination string `yaml:"destination"`

	WalkingMinutes int `yaml:"walking_minutes" validate:"min=0"`

	// Seconds. Clamped to [60, 300], 0 means 60.
	PollInterval int `yaml:"poll_interval" validate:"min=0"`
}

type Config struct {
	RealtimeURL string `yaml:"realtime_url" validate:"required,url"`
	StaticURL   string `yaml:"static_url" validate:"required,url"`

	// Directory holding static archives. Replaces StaticURL when set.
	StaticDir string `yaml:"static_dir"`

	Timezone          string          `yaml:"timezone" validate:"required,timezone"`
	LogLevel          string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	Listen            string          `yaml:"listen" validate:"required"`
	Cache             CacheConfig     `yaml:"cache"`
	SupplementaryPath string          `yaml:"supplementary_path"`
	Monitors          []MonitorConfig `yaml:"monitors" validate:"dive"`
}

func Default() *Config {
	return &Config{
		RealtimeURL: ovapi.DefaultRealtimeURL,
		StaticURL:   ovapi.DefaultStaticURL,
		Timezone:    ovapi.DefaultTimezone,
		LogLevel:    DefaultLogLevel,
		Listen:      DefaultListen,
		Cache: CacheConfig{
			Backend: BackendFile,
			Path:    DefaultCachePath,
		},
	}
}

// Loads .env files into the environment. Missing files are ignored
// and variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		err := godotenv.Load(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Reads configuration from a YAML file, then applies OVAPI_*
// environment overrides and validates the result. An empty path gives
// the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	for key, field := range map[string]*string{
		"REALTIME_URL":       &c.RealtimeURL,
		"STATIC_URL":         &c.StaticURL,
		"STATIC_DIR":         &c.StaticDir,
		"TIMEZONE":           &c.Timezone,
		"LOG_LEVEL":          &c.LogLevel,
		"LISTEN":             &c.Listen,
		"CACHE_BACKEND":      &c.Cache.Backend,
		"CACHE_PATH":         &c.Cache.Path,
		"CACHE_DSN":          &c.Cache.DSN,
		"SUPPLEMENTARY_PATH": &c.SupplementaryPath,
	} {
		if value := os.Getenv(EnvPrefix + key); value != "" {
			*field = value
		}
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Backend == BackendFile && c.Cache.Path == "" {
		return fmt.Errorf("invalid config: file cache requires a path")
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Opens the configured envelope store.
func (c *Config) Storage() (storage.Storage, error) {
	switch c.Cache.Backend {
	case BackendMemory:
		return storage.NewMemoryStorage(), nil
	case BackendFile:
		return storage.NewFileStorage(c.Cache.Path)
	case BackendSQLite:
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    c.Cache.Path != "",
			Directory: c.Cache.Path,
		})
	case BackendPostgres:
		return storage.NewPSQLStorage(c.Cache.DSN, false)
	}
	return nil, fmt.Errorf("unknown cache backend '%s'", c.Cache.Backend)
}

// Builds a departure client with the configured endpoint and zone.
func (c *Config) Client() (*ovapi.Client, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	client := ovapi.NewClient()
	client.RealtimeURL = c.RealtimeURL
	client.Location = loc
	return client, nil
}

// Builds a stop cache on top of s, reading archives from StaticDir
// if set and merging the supplementary list.
func (c *Config) StopCache(s storage.Storage) (*ovapi.StopCache, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	cache := ovapi.NewStopCache(s)
	cache.StaticURL = c.StaticURL
	cache.Location = loc

	if c.StaticDir != "" {
		fsd, err := downloader.NewFilesystem(c.StaticDir)
		if err != nil {
			return nil, fmt.Errorf("opening static dir: %w", err)
		}
		cache.Downloader = fsd
	}

	if c.SupplementaryPath != "" {
		records, err := ovapi.LoadSupplementary(c.SupplementaryPath)
		if err != nil {
			return nil, fmt.Errorf("loading supplementary stops: %w", err)
		}
		cache.Supplementary = records
	}

	return cache, nil
}

func (m MonitorConfig) Monitor() ovapi.MonitorConfig {
	return ovapi.MonitorConfig{
		Name:           m.Name,
		Stop:           m.Stop,
		Direction:      m.Direction,
		Line:           m.Line,
		Destination:    m.Destination,
		WalkingMinutes: m.WalkingMinutes,
		PollInterval:   ovapi.ClampPollInterval(time.Duration(m.PollInterval) * time.Second),
	}
}
