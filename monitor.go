package ovapi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tidbyt.dev/ovapi/model"
)

const (
	MinPollInterval     = 60 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 60 * time.Second

	// Last good departures are served for this many poll
	// intervals after failures begin.
	StaleIntervals = 10
)

// Clamps a poll interval to [MinPollInterval, MaxPollInterval]. Zero
// means DefaultPollInterval.
func ClampPollInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollInterval
	}
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

// Retrieves departures for one or more timing points. Implemented by
// Client.
type Fetcher interface {
	FetchAll(ctx context.Context, stopCodes []string) ([]model.Departure, error)
}

// Periodically polls departures for a stop, keeping the last good
// result around through transient failures.
type Monitor struct {
	Name           string
	StopCodes      []string
	Filter         model.Filter
	WalkingMinutes int
	PollInterval   time.Duration

	fetcher Fetcher
	now     func() time.Time

	mu         sync.Mutex
	departures []model.Departure
	updatedAt  time.Time
	lastErr    error
	failures   int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(fetcher Fetcher, name string, stopCodes []string, filter model.Filter, walkingMinutes int, interval time.Duration) *Monitor {
	if walkingMinutes < 0 {
		walkingMinutes = 0
	}
	return &Monitor{
		Name:           name,
		StopCodes:      append([]string{}, stopCodes...),
		Filter:         filter,
		WalkingMinutes: walkingMinutes,
		PollInterval:   ClampPollInterval(interval),
		fetcher:        fetcher,
		now:            time.Now,
	}
}

// Runs a single poll cycle. Results arriving after ctx is cancelled
// are discarded.
func (m *Monitor) Poll(ctx context.Context) error {
	departures, err := m.fetcher.FetchAll(ctx, m.StopCodes)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.failures++
		m.lastErr = err
		log.Warn().
			Err(err).
			Str("monitor", m.Name).
			Strs("stops", m.StopCodes).
			Int("failures", m.failures).
			Msg("Poll failed")
		return err
	}

	departures = FilterPasses(departures, m.Filter)
	SortDepartures(departures)

	m.departures = departures
	m.updatedAt = m.now()
	m.failures = 0
	m.lastErr = nil

	log.Debug().
		Str("monitor", m.Name).
		Int("departures", len(departures)).
		Msg("Poll succeeded")

	return nil
}

// Starts polling in the background: once immediately, then every
// PollInterval. Ticks arriving while a poll is running are dropped.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		m.Poll(ctx)

		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stops polling. Does not wait for an in-flight poll to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Closed once the polling goroutine has exited. Nil if never started.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Filtered departures from the last successful poll.
func (m *Monitor) Departures() []model.Departure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Departure{}, m.departures...)
}

func (m *Monitor) state(now time.Time) model.MonitorState {
	if m.updatedAt.IsZero() {
		return model.MonitorStateUnavailable
	}
	if m.failures == 0 {
		return model.MonitorStateOK
	}
	if now.Sub(m.updatedAt) < StaleIntervals*m.PollInterval {
		return model.MonitorStateStale
	}
	return model.MonitorStateUnavailable
}

// Everything there is to display about the monitored stop, as of now.
func (m *Monitor) Metrics(now time.Time) model.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := model.Metrics{
		Name:                m.Name,
		StopCodes:           append([]string{}, m.StopCodes...),
		State:               m.state(now),
		UpdatedAt:           m.updatedAt,
		ConsecutiveFailures: m.failures,
		WalkingMinutes:      m.WalkingMinutes,
	}

	switch metrics.State {
	case model.MonitorStateUnavailable:
		metrics.Message = UserMessage(m.lastErr)
		if metrics.Message == "" {
			metrics.Message = MessageUnavailable
		}
		return metrics
	case model.MonitorStateStale:
		metrics.Message = UserMessage(m.lastErr)
	}

	current, next := SelectUpcoming(m.departures)
	if current == nil {
		if metrics.Message == "" {
			metrics.Message = MessageNoServices
		}
		return metrics
	}

	metrics.Current = Summarize(*current, now)
	if next != nil {
		metrics.Next = Summarize(*next, now)
	}

	leave := metrics.Current.MinutesUntilDeparture - m.WalkingMinutes
	metrics.TimeToLeave = &leave
	metrics.ShouldLeaveNow = leave <= 0

	return metrics
}
