package eventlog

import (
	"context"

	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

// DropPartitionsBefore deletes every partition of topic numbered below part,
// entries and metadata alike, with one range tombstone.
func DropPartitionsBefore(ctx context.Context, db *pebblestore.DB, namespace, topic string, part uint32) error {
	if part == 0 {
		return nil
	}
	start := KeyPartitionPrefix(namespace, topic, 0)
	end := KeyPartitionPrefix(namespace, topic, part)
	return db.DeleteRange(ctx, start, end)
}
