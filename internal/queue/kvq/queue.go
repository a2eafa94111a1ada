package kvq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/pkg/id"
)

const (
	// claimScanBatch bounds how many ready keys one scan collects.
	claimScanBatch = 64
	// reclaimBatch bounds how many expired leases one claim returns to Pending.
	reclaimBatch = 256
)

// Queue is a queue.Backend over a Store.
type Queue struct {
	store Store
	typ   command.QueueStorageType
	opts  queue.Options
	ids   *id.Generator
}

var _ queue.Backend = (*Queue)(nil)

// New returns a backend of type typ over store.
func New(store Store, typ command.QueueStorageType, opts queue.Options) *Queue {
	return &Queue{store: store, typ: typ, opts: opts.WithDefaults(), ids: id.NewGenerator()}
}

func (q *Queue) Type() command.QueueStorageType { return q.typ }

func (q *Queue) now() time.Time { return q.opts.Now() }

// expiryAt truncates to milliseconds so the item and its lease index key agree.
func expiryAt(now time.Time, d time.Duration) time.Time {
	return time.UnixMilli(now.Add(d).UnixMilli()).UTC()
}

func (q *Queue) handle(moniker string, itemID id.ID, version uint64) queue.Handle {
	return queue.Handle{StorageType: q.typ, Moniker: moniker, ItemID: itemID, Version: version}
}

func (q *Queue) wrap(err error) error { return queue.Classify(q.typ, err) }

func (q *Queue) Enqueue(ctx context.Context, moniker string, item queue.WorkItem) (queue.Handle, bool, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return queue.Handle{}, false, err
	}
	if item.CommandID == "" {
		return queue.Handle{}, false, errors.New("kvq: work item without command id")
	}
	now := q.now()
	var (
		h   queue.Handle
		dup bool
	)
	err := q.store.Update(ctx, func(tx Txn) error {
		dup = false
		dk := dedupKey(moniker, item.CommandID)
		raw, err := tx.Get(dk)
		switch {
		case err == nil:
			var d dedupRecord
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			closedAt := time.UnixMilli(d.ClosedAtMs)
			if d.ClosedAtMs == 0 || d.Dead || now.Sub(closedAt) < q.opts.DedupRetention {
				prev, _ := id.Parse(d.ItemID)
				h = q.handle(moniker, prev, 0)
				dup = true
				return nil
			}
		case !errors.Is(err, ErrKeyNotFound):
			return err
		}

		w := item
		w.ID = q.ids.Next()
		w.Moniker = moniker
		w.State = queue.StatePending
		w.EnqueuedAt = now
		w.LeaseExpiry = time.Time{}
		w.Holder = ""
		w.Attempts = 0
		w.Version = 0
		if err := q.putItem(tx, w); err != nil {
			return err
		}
		if err := tx.Set(readyKey(moniker, w.ID), nil); err != nil {
			return err
		}
		d, _ := json.Marshal(dedupRecord{ItemID: w.ID.String()})
		if err := tx.Set(dk, d); err != nil {
			return err
		}
		info, _ := json.Marshal(queue.PartitionInfo{
			Moniker:             moniker,
			AgentID:             w.AgentID,
			AssetGroupID:        w.AssetGroupID,
			AssetGroupQualifier: w.AssetGroupQualifier,
			Kind:                w.Kind,
			StorageType:         q.typ,
		})
		if err := tx.Set(partKey(queue.NormalizeAgent(w.AgentID), moniker), info); err != nil {
			return err
		}
		h = q.handle(moniker, w.ID, 0)
		return nil
	})
	if err != nil {
		return queue.Handle{}, false, q.wrap(err)
	}
	return h, dup, nil
}

func (q *Queue) LeaseNext(ctx context.Context, moniker, holder string, d time.Duration) (*queue.LeasedItem, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("kvq: non-positive lease duration %s", d)
	}
	now := q.now()
	var (
		leased *queue.LeasedItem
		dead   []queue.DeadLetter
	)
	err := q.store.Update(ctx, func(tx Txn) error {
		leased, dead = nil, nil
		if err := q.reclaim(tx, moniker, now); err != nil {
			return err
		}
		for {
			var ids []id.ID
			err := tx.Scan(readyPrefix(moniker), func(k, _ []byte) bool {
				if itemID, ok := idFromKey(k); ok {
					ids = append(ids, itemID)
				}
				return len(ids) < claimScanBatch
			})
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			for _, itemID := range ids {
				if err := tx.Delete(readyKey(moniker, itemID)); err != nil {
					return err
				}
				w, err := q.getItem(tx, moniker, itemID)
				if errors.Is(err, ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if w.State != queue.StatePending {
					continue
				}
				if w.Attempts >= q.opts.MaxAttempts {
					dl, err := q.deadLetter(tx, w, "max attempts exceeded", now)
					if err != nil {
						return err
					}
					dead = append(dead, dl)
					continue
				}
				w.Attempts++
				w.Version++
				w.State = queue.StateLeased
				w.Holder = holder
				w.LeaseExpiry = expiryAt(now, d)
				if err := q.putItem(tx, w); err != nil {
					return err
				}
				if err := tx.Set(leaseKey(moniker, w.LeaseExpiry.UnixMilli(), w.ID), nil); err != nil {
					return err
				}
				leased = &queue.LeasedItem{Item: w, Handle: q.handle(moniker, w.ID, w.Version)}
				return nil
			}
		}
	})
	if err != nil {
		return nil, q.wrap(err)
	}
	q.notifyDead(dead)
	return leased, nil
}

// reclaim returns lapsed leases to the ready index so they keep their
// original enqueue position.
func (q *Queue) reclaim(tx Txn, moniker string, now time.Time) error {
	type expired struct {
		key    []byte
		itemID id.ID
	}
	var batch []expired
	nowMs := now.UnixMilli()
	err := tx.Scan(leasePrefix(moniker), func(k, _ []byte) bool {
		expMs, itemID, ok := parseLeaseKey(k)
		if !ok || expMs > nowMs {
			return false
		}
		batch = append(batch, expired{key: append([]byte(nil), k...), itemID: itemID})
		return len(batch) < reclaimBatch
	})
	if err != nil {
		return err
	}
	for _, e := range batch {
		if err := tx.Delete(e.key); err != nil {
			return err
		}
		w, err := q.getItem(tx, moniker, e.itemID)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !w.Expired(now) {
			continue
		}
		w.State = queue.StatePending
		w.Holder = ""
		w.LeaseExpiry = time.Time{}
		if err := q.putItem(tx, w); err != nil {
			return err
		}
		if err := tx.Set(readyKey(moniker, w.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// verify loads the item behind h and checks the caller still holds it.
func (q *Queue) verify(tx Txn, h queue.Handle, holder string, now time.Time) (queue.WorkItem, error) {
	if h.StorageType != q.typ {
		return queue.WorkItem{}, queue.ErrInvalidHandle
	}
	if err := queue.ValidateMoniker(h.Moniker); err != nil {
		return queue.WorkItem{}, queue.ErrInvalidHandle
	}
	w, err := q.getItem(tx, h.Moniker, h.ItemID)
	if errors.Is(err, ErrKeyNotFound) {
		if _, derr := tx.Get(dlqKey(h.Moniker, h.ItemID)); derr == nil {
			return w, fmt.Errorf("%w: %w", queue.ErrLeaseLost, queue.ErrDeadLettered)
		}
		return w, queue.ErrLeaseLost
	}
	if err != nil {
		return w, err
	}
	if w.State != queue.StateLeased || w.Holder != holder || w.Version != h.Version || !w.LeaseExpiry.After(now) {
		return w, queue.ErrLeaseLost
	}
	return w, nil
}

func (q *Queue) Extend(ctx context.Context, h queue.Handle, holder string, d time.Duration) (queue.Handle, error) {
	if d <= 0 {
		return queue.Handle{}, fmt.Errorf("kvq: non-positive lease duration %s", d)
	}
	now := q.now()
	err := q.store.Update(ctx, func(tx Txn) error {
		w, err := q.verify(tx, h, holder, now)
		if err != nil {
			return err
		}
		if err := tx.Delete(leaseKey(h.Moniker, w.LeaseExpiry.UnixMilli(), w.ID)); err != nil {
			return err
		}
		w.LeaseExpiry = expiryAt(now, d)
		if err := q.putItem(tx, w); err != nil {
			return err
		}
		return tx.Set(leaseKey(h.Moniker, w.LeaseExpiry.UnixMilli(), w.ID), nil)
	})
	if err != nil {
		return queue.Handle{}, q.wrap(err)
	}
	return h, nil
}

func (q *Queue) Complete(ctx context.Context, h queue.Handle, holder string) error {
	now := q.now()
	err := q.store.Update(ctx, func(tx Txn) error {
		w, err := q.verify(tx, h, holder, now)
		if err != nil {
			return err
		}
		if err := tx.Delete(leaseKey(h.Moniker, w.LeaseExpiry.UnixMilli(), w.ID)); err != nil {
			return err
		}
		if err := tx.Delete(itemKey(h.Moniker, w.ID)); err != nil {
			return err
		}
		return q.closeDedup(tx, w, now, false)
	})
	return q.wrap(err)
}

func (q *Queue) Abandon(ctx context.Context, h queue.Handle, holder string) error {
	now := q.now()
	err := q.store.Update(ctx, func(tx Txn) error {
		w, err := q.verify(tx, h, holder, now)
		if err != nil {
			return err
		}
		return q.release(tx, w)
	})
	return q.wrap(err)
}

func (q *Queue) Fail(ctx context.Context, h queue.Handle, holder, reason string) error {
	now := q.now()
	var dead []queue.DeadLetter
	err := q.store.Update(ctx, func(tx Txn) error {
		dead = nil
		w, err := q.verify(tx, h, holder, now)
		if err != nil {
			return err
		}
		if w.Attempts < q.opts.MaxAttempts {
			return q.release(tx, w)
		}
		if err := tx.Delete(leaseKey(h.Moniker, w.LeaseExpiry.UnixMilli(), w.ID)); err != nil {
			return err
		}
		dl, err := q.deadLetter(tx, w, reason, now)
		if err != nil {
			return err
		}
		dead = append(dead, dl)
		return nil
	})
	if err != nil {
		return q.wrap(err)
	}
	q.notifyDead(dead)
	return nil
}

// release drops the lease and puts the item back at its enqueue position.
func (q *Queue) release(tx Txn, w queue.WorkItem) error {
	if err := tx.Delete(leaseKey(w.Moniker, w.LeaseExpiry.UnixMilli(), w.ID)); err != nil {
		return err
	}
	w.State = queue.StatePending
	w.Holder = ""
	w.LeaseExpiry = time.Time{}
	if err := q.putItem(tx, w); err != nil {
		return err
	}
	return tx.Set(readyKey(w.Moniker, w.ID), nil)
}

func (q *Queue) deadLetter(tx Txn, w queue.WorkItem, reason string, now time.Time) (queue.DeadLetter, error) {
	if err := tx.Delete(itemKey(w.Moniker, w.ID)); err != nil {
		return queue.DeadLetter{}, err
	}
	w.State = queue.StateDeadLettered
	w.Holder = ""
	w.LeaseExpiry = time.Time{}
	dl := queue.DeadLetter{Item: w, Reason: reason, At: now}
	raw, err := json.Marshal(dl)
	if err != nil {
		return queue.DeadLetter{}, err
	}
	if err := tx.Set(dlqKey(w.Moniker, w.ID), raw); err != nil {
		return queue.DeadLetter{}, err
	}
	return dl, q.closeDedup(tx, w, now, true)
}

func (q *Queue) closeDedup(tx Txn, w queue.WorkItem, now time.Time, dead bool) error {
	raw, _ := json.Marshal(dedupRecord{ItemID: w.ID.String(), ClosedAtMs: now.UnixMilli(), Dead: dead})
	if err := tx.Set(dedupKey(w.Moniker, w.CommandID), raw); err != nil {
		return err
	}
	if dead {
		return nil
	}
	return tx.Set(dedupExpiryKey(now.UnixMilli(), w.Moniker, w.CommandID), nil)
}

// PurgeDedup walks the expiry index up to the retention cutoff. A dedup record
// is only dropped when it still carries the close time its index entry names;
// a record reopened by a later enqueue keeps living.
func (q *Queue) PurgeDedup(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.opts.DedupRetention).UnixMilli()
	purged := 0
	for {
		var keys [][]byte
		n := 0
		err := q.store.Update(ctx, func(tx Txn) error {
			keys, n = keys[:0], 0
			err := tx.Scan([]byte(prefixDX), func(k, _ []byte) bool {
				closedMs, _, _, ok := parseDedupExpiryKey(k)
				if ok && closedMs > cutoff {
					return false
				}
				keys = append(keys, append([]byte(nil), k...))
				return len(keys) < reclaimBatch
			})
			if err != nil {
				return err
			}
			for _, k := range keys {
				if closedMs, moniker, commandID, ok := parseDedupExpiryKey(k); ok {
					dropped, err := dropDedup(tx, dedupKey(moniker, commandID), closedMs)
					if err != nil {
						return err
					}
					if dropped {
						n++
					}
				}
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return purged, q.wrap(err)
		}
		purged += n
		if len(keys) < reclaimBatch {
			return purged, nil
		}
	}
}

func dropDedup(tx Txn, key []byte, closedMs int64) (bool, error) {
	raw, err := tx.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var d dedupRecord
	if json.Unmarshal(raw, &d) != nil || d.Dead || d.ClosedAtMs != closedMs {
		return false, nil
	}
	return true, tx.Delete(key)
}

func (q *Queue) notifyDead(dead []queue.DeadLetter) {
	if q.opts.OnDeadLetter == nil {
		return
	}
	for _, dl := range dead {
		q.opts.OnDeadLetter(dl)
	}
}

func (q *Queue) getItem(tx Txn, moniker string, itemID id.ID) (queue.WorkItem, error) {
	raw, err := tx.Get(itemKey(moniker, itemID))
	if err != nil {
		return queue.WorkItem{}, err
	}
	return decodeItem(raw)
}

func (q *Queue) putItem(tx Txn, w queue.WorkItem) error {
	raw, err := encodeItem(w)
	if err != nil {
		return err
	}
	return tx.Set(itemKey(w.Moniker, w.ID), raw)
}

func (q *Queue) Snapshot(ctx context.Context, moniker string) ([]queue.WorkItem, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return nil, err
	}
	var items []queue.WorkItem
	err := q.store.View(ctx, func(tx Txn) error {
		items = items[:0]
		var derr error
		err := tx.Scan(itemPrefix(moniker), func(_, v []byte) bool {
			w, err := decodeItem(v)
			if err != nil {
				derr = err
				return false
			}
			items = append(items, w)
			return true
		})
		if err != nil {
			return err
		}
		return derr
	})
	return items, q.wrap(err)
}

func (q *Queue) Partitions(ctx context.Context, agentID string) ([]queue.PartitionInfo, error) {
	var parts []queue.PartitionInfo
	err := q.store.View(ctx, func(tx Txn) error {
		parts = parts[:0]
		var derr error
		err := tx.Scan(partPrefix(queue.NormalizeAgent(agentID)), func(_, v []byte) bool {
			var p queue.PartitionInfo
			if err := json.Unmarshal(v, &p); err != nil {
				derr = err
				return false
			}
			parts = append(parts, p)
			return true
		})
		if err != nil {
			return err
		}
		return derr
	})
	return parts, q.wrap(err)
}

func (q *Queue) DeadLetters(ctx context.Context, moniker string, limit int) ([]queue.DeadLetter, error) {
	if moniker != "" {
		if err := queue.ValidateMoniker(moniker); err != nil {
			return nil, err
		}
	}
	var out []queue.DeadLetter
	err := q.store.View(ctx, func(tx Txn) error {
		out = out[:0]
		var derr error
		err := tx.Scan(dlqPrefix(moniker), func(_, v []byte) bool {
			var dl queue.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				derr = err
				return false
			}
			out = append(out, dl)
			return limit <= 0 || len(out) < limit
		})
		if err != nil {
			return err
		}
		return derr
	})
	return out, q.wrap(err)
}

func (q *Queue) Ping(ctx context.Context) error { return q.wrap(q.store.Ping(ctx)) }

func (q *Queue) Close() error { return q.store.Close() }
