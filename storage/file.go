package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Stores the envelope as a single JSON document.
type FileStorage struct {
	Path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("no path given")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileStorage{Path: path}, nil
}

func (s *FileStorage) ReadEnvelope() (*Envelope, error) {
	buf, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	env := &Envelope{}
	if err := json.Unmarshal(buf, env); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.Path, err)
	}
	env.LastUpdate = env.LastUpdate.UTC()

	return env, nil
}

// Writes to a temporary file in the same directory, then renames it
// over the old document.
func (s *FileStorage) WriteEnvelope(env *Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.Path, err)
	}

	return nil
}

func (s *FileStorage) Close() error {
	return nil
}
