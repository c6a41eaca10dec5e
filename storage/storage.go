package storage

import (
	"fmt"
	"time"

	"tidbyt.dev/ovapi/model"
)

// Persistence for the parsed static dataset. The whole dataset is
// stored as one envelope, which is either read back in full or not at
// all.
type Storage interface {
	// Retrieves the stored envelope. Returns nil and no error if
	// nothing has been stored yet.
	ReadEnvelope() (*Envelope, error)

	// Replaces the stored envelope. Readers never observe a
	// partially written envelope.
	WriteEnvelope(env *Envelope) error

	Close() error
}

// A versioned snapshot of all stops, keyed by stop_id.
type Envelope struct {
	Version    int                          `json:"version"`
	LastUpdate time.Time                    `json:"last_update"`
	Stops      map[string]*model.StopRecord `json:"stops"`
}

// Checks that an envelope read from storage is usable with the
// given format version.
func (e *Envelope) Validate(version int) error {
	if e == nil {
		return fmt.Errorf("no envelope")
	}
	if e.Version != version {
		return fmt.Errorf("version %d, want %d", e.Version, version)
	}
	if e.LastUpdate.IsZero() {
		return fmt.Errorf("missing last update")
	}
	if e.Stops == nil {
		return fmt.Errorf("missing stops")
	}
	for id, stop := range e.Stops {
		if stop == nil {
			return fmt.Errorf("stop '%s' is null", id)
		}
		if stop.StopID != id {
			return fmt.Errorf("stop '%s' stored under '%s'", stop.StopID, id)
		}
	}
	return nil
}

// Age of the envelope at the given time.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.LastUpdate)
}

func copyEnvelope(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}
	cp := &Envelope{
		Version:    env.Version,
		LastUpdate: env.LastUpdate,
	}
	if env.Stops != nil {
		cp.Stops = make(map[string]*model.StopRecord, len(env.Stops))
		for id, stop := range env.Stops {
			if stop == nil {
				cp.Stops[id] = nil
				continue
			}
			s := *stop
			if stop.Routes != nil {
				s.Routes = append([]string{}, stop.Routes...)
			}
			cp.Stops[id] = &s
		}
	}
	return cp
}
