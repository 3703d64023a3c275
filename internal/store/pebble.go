package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// Pebble persists values in a PebbleDB directory.
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*Pebble, error) {
	if dir == "" {
		return nil, errors.New("pebble store requires a data path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (s *Pebble) Get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	// val is only valid until closer is closed
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *Pebble) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *Pebble) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *Pebble) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
