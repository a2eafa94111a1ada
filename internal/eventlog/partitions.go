package eventlog

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

// PartitionsBetween lists the partitions of a topic numbered in [from, to]
// that hold any data, in ascending order. It seeks once per partition found,
// so empty ranges cost nothing.
func PartitionsBetween(db *pebblestore.DB, namespace, topic string, from, to uint32) ([]uint32, error) {
	if from > to {
		return nil, nil
	}
	prefix := KeyTopicPrefix(namespace, topic)
	upper := pebblestore.PrefixUpperBound(prefix)
	if to < ^uint32(0) {
		upper = KeyPartitionPrefix(namespace, topic, to+1)
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: KeyPartitionPrefix(namespace, topic, from), UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []uint32
	for ok := iter.First(); ok; {
		k := iter.Key()
		if len(k) < len(prefix)+4 {
			ok = iter.Next()
			continue
		}
		part := binary.BigEndian.Uint32(k[len(prefix) : len(prefix)+4])
		out = append(out, part)
		if part == ^uint32(0) {
			break
		}
		ok = iter.SeekGE(KeyPartitionPrefix(namespace, topic, part+1))
	}
	return out, iter.Error()
}
