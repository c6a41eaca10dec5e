package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tidbyt.dev/ovapi/model"
)

type PSQLStorage struct {
	db *sql.DB
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS cache_meta;
DROP TABLE IF EXISTS cache_stops;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS cache_meta (
    id INTEGER NOT NULL CHECK (id = 1),
    version INTEGER NOT NULL,
    last_update TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS cache_stops (
    stop_id TEXT NOT NULL,
    stop_code TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    routes TEXT[],
    PRIMARY KEY (stop_id)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache tables: %w", err)
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ReadEnvelope() (*Envelope, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	env := &Envelope{}
	err = tx.QueryRow(`SELECT version, last_update FROM cache_meta WHERE id = 1`).Scan(
		&env.Version,
		&env.LastUpdate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}
	env.LastUpdate = env.LastUpdate.UTC()

	rows, err := tx.Query(`SELECT stop_id, stop_code, name, lat, lon, routes FROM cache_stops`)
	if err != nil {
		return nil, fmt.Errorf("listing stops: %w", err)
	}
	defer rows.Close()

	env.Stops = map[string]*model.StopRecord{}
	for rows.Next() {
		stop := &model.StopRecord{}
		var routes pq.StringArray
		err := rows.Scan(
			&stop.StopID,
			&stop.StopCode,
			&stop.Name,
			&stop.Lat,
			&stop.Lon,
			&routes,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		if len(routes) > 0 {
			stop.Routes = []string(routes)
		}
		env.Stops[stop.StopID] = stop
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stops: %w", err)
	}

	return env, nil
}

// Replaces all stops using COPY, and upserts the metadata row, in a
// single transaction.
func (s *PSQLStorage) WriteEnvelope(env *Envelope) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_stops`); err != nil {
		return fmt.Errorf("clearing stops: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn(
		"cache_stops", "stop_id", "stop_code", "name", "lat", "lon", "routes",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}

	for _, id := range sortedStopIDs(env.Stops) {
		stop := env.Stops[id]
		_, err = stmt.Exec(
			stop.StopID, stop.StopCode, stop.Name, stop.Lat, stop.Lon, pq.Array(stop.Routes),
		)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("COPY stop: %w", err)
		}
	}

	if _, err = stmt.Exec(); err != nil {
		stmt.Close()
		return fmt.Errorf("executing statement: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("closing statement: %w", err)
	}

	_, err = tx.Exec(`
INSERT INTO cache_meta (id, version, last_update)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET
    version = EXCLUDED.version,
    last_update = EXCLUDED.last_update
`,
		env.Version,
		env.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}
