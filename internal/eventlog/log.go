package eventlog

import (
	"context"
	"encoding/binary"
	"sync"

	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

// AppendRecord is a single appendable entry.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Log appends to one namespace/topic/partition. Appends are serialized per
// Log; reads never take the lock and see committed entries only.
type Log struct {
	db        *pebblestore.DB
	namespace string
	topic     string
	part      uint32

	mu      sync.Mutex
	lastSeq uint64
}

// OpenLog loads the last sequence from the partition metadata, if any.
func OpenLog(db *pebblestore.DB, namespace, topic string, partition uint32) (*Log, error) {
	l := &Log{db: db, namespace: namespace, topic: topic, part: partition}
	meta, err := db.Get(KeyLogMeta(namespace, topic, partition))
	switch {
	case err == nil:
		if len(meta) >= 8 {
			l.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
	case !pebblestore.IsNotFound(err):
		return nil, err
	}
	return l, nil
}

func (l *Log) Partition() uint32 { return l.part }

// Append writes recs as one atomic batch and returns their sequence numbers.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	next := l.lastSeq
	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		next++
		if err := b.Set(KeyLogEntry(l.namespace, l.topic, l.part, next), EncodeRecord(r.Header, r.Payload), nil); err != nil {
			return nil, err
		}
		seqs[i] = next
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyLogMeta(l.namespace, l.topic, l.part), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next
	return seqs, nil
}
