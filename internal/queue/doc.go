// Package queue defines the lease-based pull queue used to deliver work items
// to agents, independent of the storage engine behind it.
//
// # Model
//
// Work items live in partitions named by a moniker. An item is Pending until
// an agent claims it with LeaseNext, which sets a holder and an expiry and
// bumps the item's lease version. A lease that lapses makes the item leasable
// again without any sweep. Complete removes the item, Abandon returns it to
// Pending, Fail returns it or moves it to the dead-letter store once the
// attempt budget is spent.
//
// # Receipts
//
// Every claim yields a Handle naming the backend, partition, item and lease
// version. Agents carry it as an opaque base64 string (Handle.Receipt). A
// handle from an earlier claim of the same item is rejected with ErrLeaseLost.
//
// # Backends
//
// Adapters live in sub-packages: kvq holds the shared algorithm over an
// ordered key-value store (pebbleq, badgerq), sqlq implements the same
// contract on SQLite. queuetest is the conformance suite all of them pass.
package queue
