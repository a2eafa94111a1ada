// Package pebbleq is the Pebble queue backend, the default for destinations
// with an undefined storage type.
package pebbleq

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/queue/kvq"
	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

var errReadOnly = errors.New("pebbleq: write in read-only view")

// New returns a backend over db. db is shared with other components and is
// closed by its owner, not by the backend.
func New(db *pebblestore.DB, opts queue.Options) *kvq.Queue {
	return kvq.New(&store{db: db}, command.StoragePebble, opts)
}

// store serializes read-modify-write sections: each runs inside one indexed
// batch committed while mu is held, so claims observe each other's commits.
type store struct {
	db *pebblestore.DB
	mu sync.Mutex
}

func (s *store) Update(ctx context.Context, fn func(kvq.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(&txn{r: b, w: b}); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	return s.db.CommitBatch(ctx, b)
}

func (s *store) View(ctx context.Context, fn func(kvq.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&txn{r: snap})
}

func (s *store) Ping(context.Context) error { return s.db.Ping() }

func (s *store) Close() error { return nil }

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type txn struct {
	r reader
	w *pebble.Batch
}

func (t *txn) Get(key []byte) ([]byte, error) {
	v, closer, err := t.r.Get(key)
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, kvq.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (t *txn) Set(key, value []byte) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Set(key, value, nil)
}

func (t *txn) Delete(key []byte) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Delete(key, nil)
}

func (t *txn) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	it, err := t.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: pebblestore.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return err
	}
	return it.Close()
}
