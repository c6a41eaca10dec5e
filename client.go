package ovapi

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"tidbyt.dev/ovapi/downloader"
	"tidbyt.dev/ovapi/model"
	"tidbyt.dev/ovapi/parse"
)

const (
	DefaultRealtimeURL     = "http://v0.ovapi.nl"
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 1 << 20 // 1 MB
	DefaultTimezone        = "Europe/Amsterdam"
)

// Client for the OVapi realtime departures endpoint.
type Client struct {
	RealtimeURL string
	Timeout     time.Duration
	MaxSize     int

	// Zone used for timestamps lacking an offset.
	Location *time.Location

	Downloader downloader.Downloader
}

func NewClient() *Client {
	return &Client{
		RealtimeURL: DefaultRealtimeURL,
		Timeout:     DefaultRealtimeTimeout,
		MaxSize:     DefaultRealtimeMaxSize,
		Location:    DefaultLocation(),
		Downloader:  downloader.NewHTTP(),
	}
}

// The Europe/Amsterdam zone, or UTC if tzdata is unavailable.
func DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		log.Warn().Err(err).Msg("Timezone data unavailable, falling back to UTC")
		return time.UTC
	}
	return loc
}

// Retrieves all passes at a single timing point.
//
// Errors wrap ErrStopNotFound, ErrData, ErrTimeout or ErrConnection.
func (c *Client) Fetch(ctx context.Context, stopCode string) ([]model.Departure, error) {
	stopCode = strings.TrimSpace(stopCode)
	if stopCode == "" {
		return nil, fmt.Errorf("%w: empty stop code", ErrStopNotFound)
	}

	endpoint := fmt.Sprintf("%s/tpc/%s", strings.TrimRight(c.RealtimeURL, "/"), url.PathEscape(stopCode))

	body, err := c.Downloader.Get(ctx, endpoint, nil, downloader.GetOptions{
		Timeout: c.Timeout,
		MaxSize: c.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", stopCode, classifyTransportError(err))
	}

	passes, err := parse.ParsePasses(body, stopCode, c.Location)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", stopCode, classifyParseError(err))
	}

	if passes.NumDropped > 0 {
		log.Debug().
			Str("stop", stopCode).
			Int("received", passes.NumReceived).
			Int("dropped", passes.NumDropped).
			Msg("Dropped malformed passes")
	}

	return passes.Departures, nil
}

type fetchResult struct {
	index      int
	departures []model.Departure
	err        error
}

// Fetches several timing points concurrently and merges the result,
// sorted by expected arrival.
//
// Succeeds if at least one code could be fetched. When all fail, the
// error for the first code is returned.
func (c *Client) FetchAll(ctx context.Context, stopCodes []string) ([]model.Departure, error) {
	if len(stopCodes) == 0 {
		return nil, fmt.Errorf("%w: no stop codes", ErrStopNotFound)
	}
	if len(stopCodes) == 1 {
		departures, err := c.Fetch(ctx, stopCodes[0])
		if err != nil {
			return nil, err
		}
		SortDepartures(departures)
		return departures, nil
	}

	p := pool.NewWithResults[fetchResult]()
	for i, code := range stopCodes {
		i, code := i, code
		p.Go(func() fetchResult {
			departures, err := c.Fetch(ctx, code)
			return fetchResult{index: i, departures: departures, err: err}
		})
	}
	results := p.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	merged := []model.Departure{}
	var firstErr error
	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			log.Debug().Err(r.err).Str("stop", stopCodes[r.index]).Msg("Combined fetch failed for one code")
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		succeeded++
		merged = append(merged, r.departures...)
	}

	if succeeded == 0 {
		return nil, firstErr
	}

	SortDepartures(merged)
	return merged, nil
}
