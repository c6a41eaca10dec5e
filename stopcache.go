package ovapi

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"tidbyt.dev/ovapi/downloader"
	"tidbyt.dev/ovapi/model"
	"tidbyt.dev/ovapi/parse"
	"tidbyt.dev/ovapi/storage"
)

const (
	// Bump when the stored envelope format or its derivation
	// changes. Envelopes of other versions are ignored.
	CacheVersion = 8

	DefaultStaticURL     = "http://gtfs.ovapi.nl/govi"
	DefaultStaticTTL     = 24 * time.Hour
	DefaultStaticTimeout = 60 * time.Second
	DefaultStaticMaxSize = 800 << 20 // 800 MB
	DefaultRetryCooldown = 15 * time.Minute
)

//go:embed data/custom_stops.json
var customStopsJSON []byte

// Stops known to the realtime API but missing from the static
// dataset.
func DefaultSupplementary() ([]*model.StopRecord, error) {
	return parse.ParseSupplementary(bytes.NewReader(customStopsJSON))
}

// Reads a supplementary stop list from a file.
func LoadSupplementary(path string) ([]*model.StopRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	records, err := parse.ParseSupplementary(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return records, nil
}

// An immutable view of the static dataset.
type Snapshot struct {
	LastUpdate time.Time
	Index      *Index

	// Set when the dataset has expired and could not be
	// refreshed.
	Stale bool
}

// Summary of the cache state, for diagnostics.
type CacheStatus struct {
	Loaded     bool      `json:"loaded"`
	Stale      bool      `json:"stale"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	Stops      int       `json:"stops"`
	RetryAt    time.Time `json:"retry_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// StopCache owns the static stop dataset. It is loaded from storage,
// refreshed from the static archive server once it's older than TTL,
// and falls back to the previous dataset when a refresh fails.
type StopCache struct {
	StaticURL     string
	TTL           time.Duration
	Timeout       time.Duration
	MaxSize       int
	RetryCooldown time.Duration
	Location      *time.Location
	Downloader    downloader.Downloader

	// Merged into every downloaded dataset, for stops with a
	// stop_id not already present.
	Supplementary []*model.StopRecord

	Now func() time.Time

	storage  storage.Storage
	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group

	mu        sync.Mutex
	loaded    bool
	retryAt   time.Time
	lastError error
}

func NewStopCache(s storage.Storage) *StopCache {
	supplementary, err := DefaultSupplementary()
	if err != nil {
		log.Error().Err(err).Msg("Parsing embedded supplementary stops")
	}

	return &StopCache{
		StaticURL:     DefaultStaticURL,
		TTL:           DefaultStaticTTL,
		Timeout:       DefaultStaticTimeout,
		MaxSize:       DefaultStaticMaxSize,
		RetryCooldown: DefaultRetryCooldown,
		Location:      DefaultLocation(),
		Downloader:    downloader.NewHTTP(),
		Supplementary: supplementary,
		Now:           time.Now,
		storage:       s,
	}
}

// Archive file names to try, in order: today's, yesterday's (dates
// in loc), then the undated one.
func ArchiveCandidates(now time.Time, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc)
	yesterday := today.AddDate(0, 0, -1)
	return []string{
		fmt.Sprintf("gtfs-kv7-%s.zip", today.Format("20060102")),
		fmt.Sprintf("gtfs-kv7-%s.zip", yesterday.Format("20060102")),
		"gtfs-kv7.zip",
	}
}

func (c *StopCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *StopCache) fresh(snap *Snapshot, now time.Time) bool {
	return snap != nil && !snap.Stale && now.Sub(snap.LastUpdate) < c.TTL
}

// Makes sure a dataset is available, refreshing it if expired.
//
// If the refresh fails, the previous dataset (if any) is returned
// flagged as stale. With no dataset at all, the error wraps
// ErrDataUnavailable. Concurrent calls share a single refresh.
func (c *StopCache) Ensure(ctx context.Context) (*Snapshot, error) {
	if snap := c.snapshot.Load(); c.fresh(snap, c.now()) {
		return snap, nil
	}

	snap, err := c.update(ctx, false)
	if snap != nil {
		return snap, nil
	}
	return nil, err
}

// Downloads a new dataset regardless of the current one's age. The
// returned snapshot may be stale, in which case the error explains
// why the download failed.
func (c *StopCache) Refresh(ctx context.Context) (*Snapshot, error) {
	return c.update(ctx, true)
}

type updateResult struct {
	snap *Snapshot
}

func (c *StopCache) update(ctx context.Context, force bool) (*Snapshot, error) {
	key := "ensure"
	if force {
		key = "refresh"
	}

	// Callers abandoning the wait must not abort the shared
	// download. It is still bounded by Timeout.
	shared := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		snap, err := c.doUpdate(shared, force)
		return updateResult{snap: snap}, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val.(updateResult).snap, res.Err
	}
}

func (c *StopCache) doUpdate(ctx context.Context, force bool) (*Snapshot, error) {
	now := c.now()

	c.loadStored(now)

	snap := c.snapshot.Load()
	if !force && c.fresh(snap, now) {
		return snap, nil
	}

	c.mu.Lock()
	retryAt, lastError := c.retryAt, c.lastError
	c.mu.Unlock()

	if !force && now.Before(retryAt) {
		log.Debug().Time("retry_at", retryAt).Msg("Static refresh cooling down")
		return c.fallback(snap, lastError)
	}

	stops, archive, err := c.download(ctx, now)
	if err != nil {
		cooldown := c.RetryCooldown
		var statusErr *downloader.StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			cooldown = statusErr.RetryAfter
		}

		c.mu.Lock()
		c.retryAt = now.Add(cooldown)
		c.lastError = err
		c.mu.Unlock()

		log.Warn().Err(err).Dur("cooldown", cooldown).Msg("Static refresh failed")
		return c.fallback(snap, err)
	}

	added := parse.MergeSupplementary(stops, c.Supplementary)

	env := &storage.Envelope{
		Version:    CacheVersion,
		LastUpdate: now,
		Stops:      stops,
	}
	if err := c.storage.WriteEnvelope(env); err != nil {
		log.Error().Err(err).Msg("Persisting static dataset")
	}

	fresh := &Snapshot{
		LastUpdate: now,
		Index:      NewIndex(stops),
	}
	c.snapshot.Store(fresh)

	c.mu.Lock()
	c.retryAt = time.Time{}
	c.lastError = nil
	c.mu.Unlock()

	log.Info().
		Str("archive", archive).
		Int("stops", len(stops)).
		Int("supplementary", added).
		Msg("Static dataset refreshed")

	return fresh, nil
}

// Serves the previous snapshot flagged stale, if there is one.
func (c *StopCache) fallback(snap *Snapshot, cause error) (*Snapshot, error) {
	if cause == nil {
		cause = errors.New("refresh failed")
	}

	if snap == nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, cause)
	}

	if !snap.Stale {
		stale := *snap
		stale.Stale = true
		c.snapshot.CompareAndSwap(snap, &stale)
		snap = &stale
	}

	return snap, cause
}

// Reads the stored envelope on first use. Anything unreadable or of
// the wrong version is treated as absent.
func (c *StopCache) loadStored(now time.Time) {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return
	}
	c.loaded = true
	c.mu.Unlock()

	if c.snapshot.Load() != nil {
		return
	}

	env, err := c.storage.ReadEnvelope()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable static cache")
		return
	}
	if env == nil {
		log.Debug().Msg("No static cache stored")
		return
	}
	if err := env.Validate(CacheVersion); err != nil {
		log.Info().Err(err).Msg("Ignoring invalid static cache")
		return
	}

	snap := &Snapshot{
		LastUpdate: env.LastUpdate,
		Index:      NewIndex(env.Stops),
		Stale:      env.Age(now) >= c.TTL,
	}
	c.snapshot.CompareAndSwap(nil, snap)

	log.Info().
		Int("stops", len(env.Stops)).
		Time("last_update", env.LastUpdate).
		Bool("expired", snap.Stale).
		Msg("Loaded static cache")
}

// Tries each archive candidate in turn. A 429 ends the attempt
// immediately, as do parse failures.
func (c *StopCache) download(ctx context.Context, now time.Time) (map[string]*model.StopRecord, string, error) {
	base := strings.TrimRight(c.StaticURL, "/")

	var lastErr error
	for _, name := range ArchiveCandidates(now, c.Location) {
		url := base + "/" + name

		body, err := c.Downloader.Get(ctx, url, nil, downloader.GetOptions{
			Timeout: c.Timeout,
			MaxSize: c.MaxSize,
		})
		if err != nil {
			var statusErr *downloader.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
				return nil, name, fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
			log.Debug().Err(err).Str("archive", name).Msg("Archive candidate unavailable")
			lastErr = err
			continue
		}

		stops, err := parse.ParseStatic(body)
		if err != nil {
			return nil, name, fmt.Errorf("%w: parsing %s: %w", ErrData, name, err)
		}

		return stops, name, nil
	}

	return nil, "", fmt.Errorf("no archive available: %w", lastErr)
}

// Searches the dataset. Returns an empty list if no dataset is
// available.
func (c *StopCache) Search(ctx context.Context, query string) []model.SearchHit {
	return c.SearchInCity(ctx, query, "")
}

func (c *StopCache) SearchInCity(ctx context.Context, query string, city string) []model.SearchHit {
	snap, err := c.Ensure(ctx)
	if err != nil {
		log.Warn().Err(err).Str("query", query).Str("city", city).Msg("Searching without static data")
		return []model.SearchHit{}
	}
	return snap.Index.SearchInCity(query, city)
}

// Cities with searchable stops. Empty if no dataset is available.
func (c *StopCache) Cities(ctx context.Context) []string {
	snap, err := c.Ensure(ctx)
	if err != nil {
		return []string{}
	}
	return snap.Index.Cities()
}

// The stop with the given code, or nil if unknown or no dataset is
// available.
func (c *StopCache) Lookup(ctx context.Context, stopCode string) *model.StopRecord {
	snap, err := c.Ensure(ctx)
	if err != nil {
		return nil
	}
	return snap.Index.Lookup(stopCode)
}

func (c *StopCache) Nearby(ctx context.Context, lat float64, lon float64, limit int) []model.StopRecord {
	snap, err := c.Ensure(ctx)
	if err != nil {
		return []model.StopRecord{}
	}
	return snap.Index.Nearby(lat, lon, limit)
}

func (c *StopCache) Status() CacheStatus {
	status := CacheStatus{}

	if snap := c.snapshot.Load(); snap != nil {
		status.Loaded = true
		status.Stale = snap.Stale
		status.LastUpdate = snap.LastUpdate
		status.Stops = snap.Index.Len()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	status.RetryAt = c.retryAt
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}

	return status
}
