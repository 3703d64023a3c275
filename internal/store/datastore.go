package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dspebble "github.com/ipfs/go-ds-pebble"
)

// Datastore adapts any go-datastore implementation to Storage.
type Datastore struct {
	ds ds.Datastore
}

// NewDatastore wraps an existing datastore. Close closes it.
func NewDatastore(d ds.Datastore) *Datastore {
	return &Datastore{ds: d}
}

// NewMemory is an in-memory store; contents are lost on Close.
func NewMemory() *Datastore {
	return NewDatastore(dssync.MutexWrap(ds.NewMapDatastore()))
}

// OpenDatastore opens a pebble-backed datastore under dir.
func OpenDatastore(dir string) (*Datastore, error) {
	if dir == "" {
		return nil, errors.New("datastore requires a data path")
	}
	d, err := dspebble.NewDatastore(filepath.Join(dir, "datastore"))
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	return NewDatastore(d), nil
}

func (s *Datastore) Get(key string) ([]byte, error) {
	val, err := s.ds.Get(context.Background(), ds.NewKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *Datastore) Set(key string, value []byte) error {
	return s.ds.Put(context.Background(), ds.NewKey(key), value)
}

func (s *Datastore) Delete(key string) error {
	return s.ds.Delete(context.Background(), ds.NewKey(key))
}

func (s *Datastore) Close() error {
	return s.ds.Close()
}
