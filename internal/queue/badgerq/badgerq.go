// Package badgerq is the Badger queue backend. Claims run in optimistic
// transactions; a conflicting commit is retried from a fresh read.
package badgerq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/queue/kvq"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

const maxConflictRetries = 16

var healthKey = []byte("\x00meta/health")

// Options configures the Badger database.
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	// GCInterval runs value-log GC periodically. Zero disables it.
	GCInterval time.Duration
	Logger     logpkg.Logger
}

// Open opens a Badger database and returns a backend that owns it.
func Open(o Options, qopts queue.Options) (*kvq.Queue, error) {
	var bo badger.Options
	if o.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if o.Dir == "" {
			return nil, errors.New("badgerq: Options.Dir is required")
		}
		bo = badger.DefaultOptions(o.Dir)
	}
	bo.Logger = nil
	bo.SyncWrites = o.SyncWrites
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger queue store: %w", err)
	}
	s := &store{db: db, logger: o.Logger, stop: make(chan struct{}), done: make(chan struct{})}
	if o.GCInterval > 0 && !o.InMemory {
		go s.gcLoop(o.GCInterval)
	} else {
		close(s.done)
	}
	return kvq.New(s, command.StorageBadger, qopts), nil
}

type store struct {
	db     *badger.DB
	logger logpkg.Logger
	stop   chan struct{}
	done   chan struct{}
}

func (s *store) Update(ctx context.Context, fn func(kvq.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(t *badger.Txn) error { return fn(&txn{t: t}) })
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

func (s *store) View(ctx context.Context, fn func(kvq.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(t *badger.Txn) error { return fn(&txn{t: t}) })
}

func (s *store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return s.db.Update(func(t *badger.Txn) error {
		return t.Set(healthKey, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *store) gcLoop(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			rewrites := 0
			for s.db.RunValueLogGC(0.5) == nil {
				rewrites++
			}
			if s.logger != nil && rewrites > 0 {
				s.logger.Debug("badger value log gc", logpkg.Int("rewrites", rewrites))
			}
		}
	}
}

type txn struct {
	t *badger.Txn
}

func (x *txn) Get(key []byte) ([]byte, error) {
	item, err := x.t.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, kvq.ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (x *txn) Set(key, value []byte) error {
	return x.t.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (x *txn) Delete(key []byte) error {
	return x.t.Delete(append([]byte(nil), key...))
}

func (x *txn) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := x.t.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !fn(item.Key(), v) {
			break
		}
	}
	return nil
}
