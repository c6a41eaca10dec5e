package ovapi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/ovapi/model"
)

// Direction selecting all codes of a stop.
const DirectionCombined = "combined"

// Replaces coordinates in diagnostics output.
const Redacted = "**REDACTED**"

// Describes a stop to monitor.
type MonitorConfig struct {
	Name string `json:"name,omitempty"`

	// Timing point code, or a search query.
	Stop string `json:"stop"`

	// Empty or "combined" for all codes of the stop, otherwise a
	// specific code.
	Direction string `json:"direction,omitempty"`

	Line           string        `json:"line,omitempty"`
	Destination    string        `json:"destination,omitempty"`
	WalkingMinutes int           `json:"walking_minutes"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// Manages a set of independently polling monitors.
type Manager struct {
	Client *Client

	// Used to resolve search queries and stop names. May be nil.
	Cache *StopCache

	mu       sync.Mutex
	monitors map[uuid.UUID]*managedMonitor
}

type managedMonitor struct {
	config  MonitorConfig
	monitor *Monitor
}

func NewManager(client *Client, cache *StopCache) *Manager {
	return &Manager{
		Client:   client,
		Cache:    cache,
		monitors: map[uuid.UUID]*managedMonitor{},
	}
}

// Resolves a stop code or search query, plus a direction selection,
// into a display name and the codes to poll.
func (m *Manager) Resolve(ctx context.Context, stop string, direction string) (string, []string, error) {
	stop = strings.TrimSpace(stop)
	direction = strings.TrimSpace(direction)
	if stop == "" {
		return "", nil, fmt.Errorf("%w: empty stop", ErrStopNotFound)
	}

	if IsTimingPointCode(stop) {
		name := stop
		if m.Cache != nil {
			if record := m.Cache.Lookup(ctx, stop); record != nil {
				name = record.Name
			}
		}
		return name, []string{stop}, nil
	}

	if m.Cache == nil {
		return "", nil, fmt.Errorf("%w: cannot search '%s' without static data", ErrStopNotFound, stop)
	}

	snap, err := m.Cache.Ensure(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("searching '%s': %w", stop, err)
	}

	hits := snap.Index.Search(stop)
	if len(hits) == 0 {
		return "", nil, fmt.Errorf("%w: no match for '%s'", ErrStopNotFound, stop)
	}
	best := hits[0]

	if direction == "" || strings.EqualFold(direction, DirectionCombined) {
		return best.Name, best.StopCodes, nil
	}

	for _, code := range best.StopCodes {
		if code == direction {
			return best.Name, []string{code}, nil
		}
	}

	return "", nil, fmt.Errorf("%w: '%s' has no direction '%s'", ErrStopNotFound, best.Name, direction)
}

// Resolves the configured stop and starts polling it.
func (m *Manager) Start(ctx context.Context, cfg MonitorConfig) (uuid.UUID, error) {
	if cfg.WalkingMinutes < 0 {
		return uuid.Nil, fmt.Errorf("walking minutes must be >= 0, got %d", cfg.WalkingMinutes)
	}

	name, codes, err := m.Resolve(ctx, cfg.Stop, cfg.Direction)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving stop: %w", err)
	}
	if cfg.Name != "" {
		name = cfg.Name
	}

	cfg.PollInterval = ClampPollInterval(cfg.PollInterval)

	monitor := NewMonitor(
		m.Client,
		name,
		codes,
		model.Filter{Line: cfg.Line, Destination: cfg.Destination},
		cfg.WalkingMinutes,
		cfg.PollInterval,
	)

	handle := uuid.New()

	m.mu.Lock()
	m.monitors[handle] = &managedMonitor{config: cfg, monitor: monitor}
	m.mu.Unlock()

	monitor.Start(context.WithoutCancel(ctx))

	log.Info().
		Str("handle", handle.String()).
		Str("monitor", name).
		Strs("stops", codes).
		Dur("interval", cfg.PollInterval).
		Msg("Started monitor")

	return handle, nil
}

func (m *Manager) get(handle uuid.UUID) (*managedMonitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, found := m.monitors[handle]
	if !found {
		return nil, fmt.Errorf("no monitor %s", handle)
	}
	return mm, nil
}

// Stops and forgets a monitor. Never blocks on in-flight polls.
func (m *Manager) Stop(handle uuid.UUID) error {
	m.mu.Lock()
	mm, found := m.monitors[handle]
	delete(m.monitors, handle)
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("no monitor %s", handle)
	}

	mm.monitor.Stop()
	log.Info().Str("handle", handle.String()).Str("monitor", mm.monitor.Name).Msg("Stopped monitor")
	return nil
}

// Stops all monitors.
func (m *Manager) StopAll() {
	for _, handle := range m.Monitors() {
		m.Stop(handle)
	}
}

func (m *Manager) Metrics(handle uuid.UUID, now time.Time) (model.Metrics, error) {
	mm, err := m.get(handle)
	if err != nil {
		return model.Metrics{}, err
	}
	return mm.monitor.Metrics(now), nil
}

// Handles of all running monitors, ordered by monitor name.
func (m *Manager) Monitors() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]uuid.UUID, 0, len(m.monitors))
	for handle := range m.monitors {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool {
		ni, nj := m.monitors[handles[i]].monitor.Name, m.monitors[handles[j]].monitor.Name
		if ni != nj {
			return ni < nj
		}
		return handles[i].String() < handles[j].String()
	})
	return handles
}

func (m *Manager) Search(ctx context.Context, query string) []model.SearchHit {
	return m.SearchInCity(ctx, query, "")
}

func (m *Manager) SearchInCity(ctx context.Context, query string, city string) []model.SearchHit {
	if m.Cache == nil {
		return []model.SearchHit{}
	}
	return m.Cache.SearchInCity(ctx, query, city)
}

// Stop metadata with coordinates redacted.
type DiagnosticStop struct {
	StopID   string   `json:"stop_id"`
	StopCode string   `json:"stop_code"`
	Name     string   `json:"name"`
	Lat      string   `json:"lat"`
	Lon      string   `json:"lon"`
	Routes   []string `json:"routes,omitempty"`
}

type Diagnostics struct {
	Handle     string            `json:"handle"`
	Config     MonitorConfig     `json:"config"`
	StopCodes  []string          `json:"stop_codes"`
	Stops      []DiagnosticStop  `json:"stops"`
	Metrics    model.Metrics     `json:"metrics"`
	Departures []model.Departure `json:"departures"`
	Cache      *CacheStatus      `json:"cache,omitempty"`
}

// Dumps a monitor's configuration and state. Only uses stop data
// already in memory.
func (m *Manager) Diagnostics(handle uuid.UUID, now time.Time) (*Diagnostics, error) {
	mm, err := m.get(handle)
	if err != nil {
		return nil, err
	}

	diag := &Diagnostics{
		Handle:     handle.String(),
		Config:     mm.config,
		StopCodes:  append([]string{}, mm.monitor.StopCodes...),
		Stops:      []DiagnosticStop{},
		Metrics:    mm.monitor.Metrics(now),
		Departures: mm.monitor.Departures(),
	}

	if m.Cache != nil {
		status := m.Cache.Status()
		diag.Cache = &status

		if snap := m.Cache.snapshot.Load(); snap != nil {
			for _, code := range diag.StopCodes {
				stop := snap.Index.Lookup(code)
				if stop == nil {
					continue
				}
				diag.Stops = append(diag.Stops, DiagnosticStop{
					StopID:   stop.StopID,
					StopCode: stop.StopCode,
					Name:     stop.Name,
					Lat:      Redacted,
					Lon:      Redacted,
					Routes:   stop.Routes,
				})
			}
		}
	}

	return diag, nil
}
