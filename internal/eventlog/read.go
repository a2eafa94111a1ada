package eventlog

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

type ReadOptions struct {
	// After skips entries with seq <= After.
	After uint64
	// Limit caps the number of returned items; zero means no cap.
	Limit int
	// Header, when set, keeps only entries whose header equals it.
	Header []byte
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Read returns entries in sequence order and the seq to pass as After to
// continue. Corrupt entries are skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, uint64, error) {
	low := KeyLogEntry(l.namespace, l.topic, l.part, opts.After+1)
	hi := KeyLogEntry(l.namespace, l.topic, l.part, ^uint64(0))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, opts.After, err
	}
	defer iter.Close()

	var items []Item
	last := opts.After
	for ok := iter.First(); ok; ok = iter.Next() {
		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
		seq := seqFromKey(iter.Key())
		last = seq
		dec, err := DecodeRecord(iter.Value())
		if err != nil {
			continue
		}
		if opts.Header != nil && !bytes.Equal(dec.Header, opts.Header) {
			continue
		}
		items = append(items, Item{Seq: seq, Header: dec.Header, Payload: dec.Payload})
	}
	return items, last, iter.Error()
}
