package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/ovapi/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = filepath.Join(directory, "ovapi.db")
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database
	if !onDisk {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS cache_meta (
    id INTEGER NOT NULL CHECK (id = 1),
    version INTEGER NOT NULL,
    last_update TIMESTAMP NOT NULL,
PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS cache_stops (
    stop_id TEXT NOT NULL,
    stop_code TEXT NOT NULL,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    routes TEXT NOT NULL,
PRIMARY KEY (stop_id)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db: db,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) ReadEnvelope() (*Envelope, error) {
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
		var routes string
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
		if err := json.Unmarshal([]byte(routes), &stop.Routes); err != nil {
			return nil, fmt.Errorf("decoding routes for stop '%s': %w", stop.StopID, err)
		}
		env.Stops[stop.StopID] = stop
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stops: %w", err)
	}

	return env, nil
}

func (s *SQLiteStorage) WriteEnvelope(env *Envelope) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_stops`); err != nil {
		return fmt.Errorf("clearing stops: %w", err)
	}

	stmt, err := tx.Prepare(`
INSERT INTO cache_stops (stop_id, stop_code, name, lat, lon, routes)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range sortedStopIDs(env.Stops) {
		stop := env.Stops[id]
		routes, err := json.Marshal(stop.Routes)
		if err != nil {
			return fmt.Errorf("encoding routes: %w", err)
		}
		_, err = stmt.Exec(
			stop.StopID,
			stop.StopCode,
			stop.Name,
			stop.Lat,
			stop.Lon,
			string(routes),
		)
		if err != nil {
			return fmt.Errorf("inserting stop '%s': %w", stop.StopID, err)
		}
	}

	_, err = tx.Exec(`
INSERT INTO cache_meta (id, version, last_update)
VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    version = excluded.version,
    last_update = excluded.last_update
`,
		env.Version,
		env.LastUpdate.UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}
