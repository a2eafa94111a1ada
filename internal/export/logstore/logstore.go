// Package logstore keeps export records in per-slice Pebble event logs.
//
// Each time slice is one eventlog partition, so a join reads only the
// slices its window touches and pruning drops whole slices at once. The
// entry header is the command ID, which lets reads skip other commands'
// records without decoding them.
package logstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rzbill/cmdfeed/internal/eventlog"
	"github.com/rzbill/cmdfeed/internal/export"
	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

const (
	namespace         = "exports"
	topicExpectation  = "exp"
	topicCompletion   = "cmp"
	topicRegistration = "reg"
)

type partitionKey struct {
	topic string
	slice uint32
}

// Store implements export.Store and export.Pruner.
type Store struct {
	db  *pebblestore.DB
	cfg export.Config

	mu   sync.Mutex
	logs map[partitionKey]*eventlog.Log
}

func New(db *pebblestore.DB, cfg export.Config) *Store {
	return &Store{db: db, cfg: cfg, logs: map[partitionKey]*eventlog.Log{}}
}

func (s *Store) log(topic string, slice int64) (*eventlog.Log, error) {
	k := partitionKey{topic: topic, slice: uint32(slice)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[k]; ok {
		return l, nil
	}
	l, err := eventlog.OpenLog(s.db, namespace, topic, k.slice)
	if err != nil {
		return nil, err
	}
	s.logs[k] = l
	return l, nil
}

func (s *Store) PutExpectations(ctx context.Context, recs []export.Expectation) error {
	bySlice := map[int64][]eventlog.AppendRecord{}
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		slice := s.cfg.SliceOf(r.CreatedAt)
		bySlice[slice] = append(bySlice[slice], eventlog.AppendRecord{Header: []byte(r.CommandID), Payload: b})
	}
	for slice, batch := range bySlice {
		l, err := s.log(topicExpectation, slice)
		if err != nil {
			return err
		}
		if _, err := l.Append(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutCompletion(ctx context.Context, rec export.Completion) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l, err := s.log(topicCompletion, s.cfg.SliceOf(rec.CompletedAt))
	if err != nil {
		return err
	}
	_, err = l.Append(ctx, []eventlog.AppendRecord{{Header: []byte(rec.CommandID), Payload: b}})
	return err
}

func (s *Store) Expectations(ctx context.Context, commandID string, w export.Window) ([]export.Expectation, error) {
	var out []export.Expectation
	err := s.scan(ctx, topicExpectation, commandID, w, func(payload []byte) error {
		var r export.Expectation
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if w.Contains(r.CreatedAt) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) Completions(ctx context.Context, commandID string, w export.Window) ([]export.Completion, error) {
	var out []export.Completion
	err := s.scan(ctx, topicCompletion, commandID, w, func(payload []byte) error {
		var r export.Completion
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if w.Contains(r.CompletedAt) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) PutRegistration(ctx context.Context, rec export.Registration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l, err := s.log(topicRegistration, s.cfg.SliceOf(rec.At))
	if err != nil {
		return err
	}
	_, err = l.Append(ctx, []eventlog.AppendRecord{{Header: []byte(rec.CommandID), Payload: b}})
	return err
}

func (s *Store) Registrations(ctx context.Context, w export.Window) ([]export.Registration, error) {
	var out []export.Registration
	err := s.scan(ctx, topicRegistration, "", w, func(payload []byte) error {
		var r export.Registration
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if w.Contains(r.At) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// scan reads the slices of w that hold data. An empty commandID reads every
// command's records.
func (s *Store) scan(ctx context.Context, topic, commandID string, w export.Window, fn func([]byte) error) error {
	var header []byte
	if commandID != "" {
		header = []byte(commandID)
	}
	from, to := s.cfg.SliceOf(w.From), s.cfg.SliceOf(w.To)
	if from < 0 {
		from = 0
	}
	if to < from {
		return nil
	}
	slices, err := eventlog.PartitionsBetween(s.db, namespace, topic, uint32(from), uint32(to))
	if err != nil {
		return err
	}
	for _, slice := range slices {
		if err := ctx.Err(); err != nil {
			return err
		}
		l, err := s.log(topic, int64(slice))
		if err != nil {
			return err
		}
		items, _, err := l.Read(eventlog.ReadOptions{Header: header})
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := fn(it.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Prune drops every slice that ends before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	slice := s.cfg.SliceOf(before)
	if slice <= 0 {
		return nil
	}
	for _, topic := range []string{topicExpectation, topicCompletion, topicRegistration} {
		if err := eventlog.DropPartitionsBefore(ctx, s.db, namespace, topic, uint32(slice)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for k := range s.logs {
		if int64(k.slice) < slice {
			delete(s.logs, k)
		}
	}
	s.mu.Unlock()
	return nil
}
