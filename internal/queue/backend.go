package queue

import (
	"context"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
)

// Backend is the contract every physical queue adapter implements. All methods
// are safe for concurrent use; exclusivity of a claim comes from the backend's
// atomic read-modify-write, never from the caller.
type Backend interface {
	Type() command.QueueStorageType

	// Enqueue inserts item into the moniker partition. An item with the same
	// (CommandID, moniker) that is live, dead-lettered, or completed within the
	// dedup retention is not inserted again; its handle is returned with
	// duplicate=true.
	Enqueue(ctx context.Context, moniker string, item WorkItem) (h Handle, duplicate bool, err error)

	// LeaseNext claims the oldest available item, or returns nil when none is.
	LeaseNext(ctx context.Context, moniker, holder string, d time.Duration) (*LeasedItem, error)

	Extend(ctx context.Context, h Handle, holder string, d time.Duration) (Handle, error)
	Complete(ctx context.Context, h Handle, holder string) error
	Abandon(ctx context.Context, h Handle, holder string) error
	Fail(ctx context.Context, h Handle, holder, reason string) error

	// Snapshot returns the live items of a partition for statistics.
	Snapshot(ctx context.Context, moniker string) ([]WorkItem, error)
	Partitions(ctx context.Context, agentID string) ([]PartitionInfo, error)
	// DeadLetters lists dead letters of a partition, or of all partitions when
	// moniker is empty. limit <= 0 means no limit.
	DeadLetters(ctx context.Context, moniker string, limit int) ([]DeadLetter, error)

	// PurgeDedup drops dedup records of items completed more than the dedup
	// retention ago and returns how many it removed. Records of dead-lettered
	// items are kept.
	PurgeDedup(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
