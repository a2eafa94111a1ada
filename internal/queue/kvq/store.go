// Package kvq implements queue.Backend over an ordered key-value store with
// atomic read-modify-write sections. Pebble and Badger adapters plug in by
// implementing Store.
package kvq

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Txn.Get for missing keys.
var ErrKeyNotFound = errors.New("kvq: key not found")

// Txn is a read-write view inside one atomic section. Writes are visible to
// later reads of the same Txn.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan visits keys with prefix in ascending order until fn returns false.
	// key and value are only valid during fn.
	Scan(prefix []byte, fn func(key, value []byte) bool) error
}

// Store runs atomic sections. Update may run fn more than once when the
// engine detects a conflict, so fn must not keep side effects outside tx.
type Store interface {
	Update(ctx context.Context, fn func(Txn) error) error
	View(ctx context.Context, fn func(Txn) error) error
	Ping(ctx context.Context) error
	Close() error
}
