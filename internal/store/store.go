// Package store provides the key-value storage the history cache writes to.
// It mirrors browser local storage: string keys, opaque values, best effort.
package store

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("key not found")

// Storage is a synchronous key-value store.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

const (
	KindPebble    = "pebble"
	KindDatastore = "datastore"
	KindMemory    = "memory"
)

// Open returns the backend named by kind rooted at dir.
func Open(kind, dir string) (Storage, error) {
	switch kind {
	case KindPebble:
		s, err := OpenPebble(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindDatastore:
		s, err := OpenDatastore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
