package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/pkg/id"
)

// Factory opens a fresh, empty backend using opts. The factory registers its
// own cleanup.
type Factory func(t *testing.T, opts queue.Options) queue.Backend

const moniker = "agent-a.ag-1.delete"

func item(commandID string) queue.WorkItem {
	return queue.WorkItem{
		CommandID:    commandID,
		AgentID:      "Agent-A",
		AssetGroupID: "ag-1",
		SubjectType:  command.SubjectMSAUser,
		Kind:         command.KindDelete,
		Payload:      json.RawMessage(`{"n":1}`),
	}
}

type env struct {
	t     *testing.T
	ctx   context.Context
	clock *Clock
	b     queue.Backend

	mu   sync.Mutex
	dead []queue.DeadLetter
}

func setup(t *testing.T, f Factory, maxAttempts int) *env {
	t.Helper()
	e := &env{t: t, ctx: context.Background(), clock: NewClock()}
	e.b = f(t, queue.Options{
		MaxAttempts:    maxAttempts,
		DedupRetention: time.Hour,
		Now:            e.clock.Now,
		OnDeadLetter: func(dl queue.DeadLetter) {
			e.mu.Lock()
			e.dead = append(e.dead, dl)
			e.mu.Unlock()
		},
	})
	return e
}

func (e *env) enqueue(commandID string) queue.Handle {
	e.t.Helper()
	h, dup, err := e.b.Enqueue(e.ctx, moniker, item(commandID))
	if err != nil {
		e.t.Fatalf("enqueue %s: %v", commandID, err)
	}
	if dup {
		e.t.Fatalf("enqueue %s: unexpected duplicate", commandID)
	}
	return h
}

func (e *env) lease(holder string, d time.Duration) *queue.LeasedItem {
	e.t.Helper()
	li, err := e.b.LeaseNext(e.ctx, moniker, holder, d)
	if err != nil {
		e.t.Fatalf("lease: %v", err)
	}
	return li
}

// Run executes the conformance suite against backends built by f.
func Run(t *testing.T, f Factory) {
	t.Run("LeaseCompleteLifecycle", func(t *testing.T) { testLifecycle(t, f) })
	t.Run("EnqueueOrder", func(t *testing.T) { testOrder(t, f) })
	t.Run("Dedup", func(t *testing.T) { testDedup(t, f) })
	t.Run("PurgeDedup", func(t *testing.T) { testPurgeDedup(t, f) })
	t.Run("MutualExclusion", func(t *testing.T) { testMutualExclusion(t, f) })
	t.Run("ExpiredLease", func(t *testing.T) { testExpiredLease(t, f) })
	t.Run("Extend", func(t *testing.T) { testExtend(t, f) })
	t.Run("WrongHolder", func(t *testing.T) { testWrongHolder(t, f) })
	t.Run("Abandon", func(t *testing.T) { testAbandon(t, f) })
	t.Run("DeadLetterOnFail", func(t *testing.T) { testDeadLetterOnFail(t, f) })
	t.Run("DeadLetterOnExpiry", func(t *testing.T) { testDeadLetterOnExpiry(t, f) })
	t.Run("Partitions", func(t *testing.T) { testPartitions(t, f) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, f) })
	t.Run("Receipt", func(t *testing.T) { testReceipt(t, f) })
	t.Run("InvalidMoniker", func(t *testing.T) { testInvalidMoniker(t, f) })
}

func testLifecycle(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	eh := e.enqueue("c1")

	li := e.lease("h1", 30*time.Second)
	if li == nil {
		t.Fatalf("expected an item")
	}
	if li.Item.ID != eh.ItemID || li.Item.CommandID != "c1" {
		t.Fatalf("leased %v, enqueued %v", li.Item.ID, eh.ItemID)
	}
	if li.Item.Attempts != 1 || li.Handle.Version != 1 || li.Item.Holder != "h1" {
		t.Fatalf("unexpected claim state: attempts=%d version=%d holder=%q", li.Item.Attempts, li.Handle.Version, li.Item.Holder)
	}
	if !li.Item.LeaseExpiry.Equal(e.clock.Now().Add(30 * time.Second)) {
		t.Fatalf("lease expiry %v", li.Item.LeaseExpiry)
	}
	if string(li.Item.Payload) != `{"n":1}` {
		t.Fatalf("payload %s", li.Item.Payload)
	}
	if again := e.lease("h2", 30*time.Second); again != nil {
		t.Fatalf("item leased twice: %v", again.Item.ID)
	}
	if err := e.b.Complete(e.ctx, li.Handle, "h1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := e.b.Complete(e.ctx, li.Handle, "h1"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("second complete: want ErrLeaseLost, got %v", err)
	}
	items, err := e.b.Snapshot(e.ctx, moniker)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("completed item still present: %d", len(items))
	}
}

func testOrder(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	var want []id.ID
	for i := 0; i < 3; i++ {
		want = append(want, e.enqueue(fmt.Sprintf("c%d", i)).ItemID)
		e.clock.Advance(time.Second)
	}
	for i, w := range want {
		li := e.lease("h", time.Minute)
		if li == nil || li.Item.ID != w {
			t.Fatalf("lease %d: want %v, got %+v", i, w, li)
		}
	}
}

func testDedup(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	first := e.enqueue("c1")

	h, dup, err := e.b.Enqueue(e.ctx, moniker, item("c1"))
	if err != nil || !dup || h.ItemID != first.ItemID {
		t.Fatalf("live duplicate: dup=%v id=%v err=%v", dup, h.ItemID, err)
	}

	li := e.lease("h", time.Minute)
	if err := e.b.Complete(e.ctx, li.Handle, "h"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.clock.Advance(30 * time.Minute)
	if _, dup, err := e.b.Enqueue(e.ctx, moniker, item("c1")); err != nil || !dup {
		t.Fatalf("within retention: dup=%v err=%v", dup, err)
	}
	if li := e.lease("h", time.Minute); li != nil {
		t.Fatalf("duplicate was delivered")
	}

	e.clock.Advance(time.Hour)
	h, dup, err = e.b.Enqueue(e.ctx, moniker, item("c1"))
	if err != nil || dup || h.ItemID == first.ItemID {
		t.Fatalf("after retention: dup=%v id=%v err=%v", dup, h.ItemID, err)
	}
}

func testPurgeDedup(t *testing.T, f Factory) {
	e := setup(t, f, 1)
	done := e.enqueue("done")
	li := e.lease("h", time.Minute)
	if err := e.b.Complete(e.ctx, li.Handle, "h"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.enqueue("dead")
	li = e.lease("h", time.Minute)
	if err := e.b.Fail(e.ctx, li.Handle, "h", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if n, err := e.b.PurgeDedup(e.ctx); err != nil || n != 0 {
		t.Fatalf("purge within retention: n=%d err=%v", n, err)
	}
	if _, dup, _ := e.b.Enqueue(e.ctx, moniker, item("done")); !dup {
		t.Fatalf("record purged before retention elapsed")
	}

	e.clock.Advance(2 * time.Hour)
	n, err := e.b.PurgeDedup(e.ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge after retention: n=%d err=%v", n, err)
	}
	if n, err := e.b.PurgeDedup(e.ctx); err != nil || n != 0 {
		t.Fatalf("second purge: n=%d err=%v", n, err)
	}

	h, dup, err := e.b.Enqueue(e.ctx, moniker, item("done"))
	if err != nil || dup || h.ItemID == done.ItemID {
		t.Fatalf("re-enqueue after purge: dup=%v err=%v", dup, err)
	}
	if _, dup, err := e.b.Enqueue(e.ctx, moniker, item("dead")); err != nil || !dup {
		t.Fatalf("dead-lettered record purged: dup=%v err=%v", dup, err)
	}
}

func testMutualExclusion(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	const n = 24
	for i := 0; i < n; i++ {
		e.enqueue(fmt.Sprintf("c%02d", i))
	}

	var (
		mu   sync.Mutex
		seen = map[id.ID]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			for {
				li, err := e.b.LeaseNext(e.ctx, moniker, holder, time.Minute)
				if errors.Is(err, queue.ErrBackendUnavailable) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if li == nil {
					return
				}
				mu.Lock()
				seen[li.Item.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("h%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("lease: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("leased %d distinct items, want %d", len(seen), n)
	}
	for itemID, c := range seen {
		if c != 1 {
			t.Fatalf("item %v leased %d times", itemID, c)
		}
	}
}

func testExpiredLease(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	first := e.lease("h1", 10*time.Second)

	e.clock.Advance(11 * time.Second)
	if _, err := e.b.Extend(e.ctx, first.Handle, "h1", 10*time.Second); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("extend after expiry: want ErrLeaseLost, got %v", err)
	}
	second := e.lease("h2", 10*time.Second)
	if second == nil || second.Item.ID != first.Item.ID {
		t.Fatalf("expired item not re-leased: %+v", second)
	}
	if second.Handle.Version <= first.Handle.Version || second.Item.Attempts != 2 {
		t.Fatalf("version %d attempts %d", second.Handle.Version, second.Item.Attempts)
	}
	if err := e.b.Complete(e.ctx, first.Handle, "h1"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("stale receipt: want ErrLeaseLost, got %v", err)
	}
	if err := e.b.Complete(e.ctx, second.Handle, "h2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func testExtend(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	li := e.lease("h1", 10*time.Second)

	e.clock.Advance(5 * time.Second)
	h, err := e.b.Extend(e.ctx, li.Handle, "h1", 10*time.Second)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	e.clock.Advance(8 * time.Second)
	if other := e.lease("h2", 10*time.Second); other != nil {
		t.Fatalf("extended lease was stolen")
	}
	if err := e.b.Complete(e.ctx, h, "h1"); err != nil {
		t.Fatalf("complete after extend: %v", err)
	}
}

func testWrongHolder(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	li := e.lease("h1", time.Minute)
	if err := e.b.Complete(e.ctx, li.Handle, "h2"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("complete by other holder: want ErrLeaseLost, got %v", err)
	}
	if err := e.b.Abandon(e.ctx, li.Handle, "h2"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("abandon by other holder: want ErrLeaseLost, got %v", err)
	}
	if _, err := e.b.Extend(e.ctx, li.Handle, "h2", time.Minute); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("extend by other holder: want ErrLeaseLost, got %v", err)
	}
}

func testAbandon(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	e.enqueue("c2")
	li := e.lease("h1", time.Hour)
	if err := e.b.Abandon(e.ctx, li.Handle, "h1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	again := e.lease("h2", time.Minute)
	if again == nil || again.Item.ID != li.Item.ID {
		t.Fatalf("abandoned item not first in line: %+v", again)
	}
	if again.Item.Attempts != 2 {
		t.Fatalf("attempts %d", again.Item.Attempts)
	}
}

func testDeadLetterOnFail(t *testing.T, f Factory) {
	e := setup(t, f, 2)
	e.enqueue("c1")

	li := e.lease("h", time.Minute)
	if err := e.b.Fail(e.ctx, li.Handle, "h", "boom"); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	li = e.lease("h", time.Minute)
	if li == nil || li.Item.Attempts != 2 {
		t.Fatalf("retry not delivered: %+v", li)
	}
	if err := e.b.Fail(e.ctx, li.Handle, "h", "boom again"); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	if li := e.lease("h", time.Minute); li != nil {
		t.Fatalf("dead-lettered item leased again")
	}
	dls, err := e.b.DeadLetters(e.ctx, moniker, 0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].Reason != "boom again" || dls[0].Item.CommandID != "c1" {
		t.Fatalf("dead letters: %+v", dls)
	}
	all, err := e.b.DeadLetters(e.ctx, "", 10)
	if err != nil || len(all) != 1 {
		t.Fatalf("all dead letters: %d %v", len(all), err)
	}
	e.mu.Lock()
	hooked := len(e.dead)
	e.mu.Unlock()
	if hooked != 1 {
		t.Fatalf("OnDeadLetter called %d times", hooked)
	}
	if err := e.b.Complete(e.ctx, li.Handle, "h"); !errors.Is(err, queue.ErrDeadLettered) || !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("complete dead letter: %v", err)
	}
	if _, dup, err := e.b.Enqueue(e.ctx, moniker, item("c1")); err != nil || !dup {
		t.Fatalf("re-enqueue dead letter: dup=%v err=%v", dup, err)
	}
}

func testDeadLetterOnExpiry(t *testing.T, f Factory) {
	e := setup(t, f, 1)
	e.enqueue("c1")
	e.enqueue("c2")
	first := e.lease("h", 10*time.Second)
	e.clock.Advance(time.Minute)

	// c1 exhausted its single attempt; the claim skips it and takes c2.
	next := e.lease("h", 10*time.Second)
	if next == nil || next.Item.CommandID != "c2" {
		t.Fatalf("want c2, got %+v", next)
	}
	dls, err := e.b.DeadLetters(e.ctx, moniker, 0)
	if err != nil || len(dls) != 1 || dls[0].Item.ID != first.Item.ID {
		t.Fatalf("dead letters: %+v %v", dls, err)
	}
}

func testPartitions(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	other := item("c1")
	other.Kind = command.KindExport
	if _, _, err := e.b.Enqueue(e.ctx, "agent-a.ag-1.export", other); err != nil {
		t.Fatalf("enqueue export: %v", err)
	}
	foreign := item("c1")
	foreign.AgentID = "agent-b"
	if _, _, err := e.b.Enqueue(e.ctx, "agent-b.ag-1.delete", foreign); err != nil {
		t.Fatalf("enqueue agent-b: %v", err)
	}

	parts, err := e.b.Partitions(e.ctx, "AGENT-A")
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("want 2 partitions, got %+v", parts)
	}
	if parts[0].Moniker != moniker || parts[1].Moniker != "agent-a.ag-1.export" {
		t.Fatalf("unexpected order: %s, %s", parts[0].Moniker, parts[1].Moniker)
	}
	if parts[0].AssetGroupID != "ag-1" || parts[1].Kind != command.KindExport || parts[0].StorageType != e.b.Type() {
		t.Fatalf("partition info: %+v", parts)
	}
}

func testSnapshot(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	e.clock.Advance(time.Second)
	e.enqueue("c2")
	e.clock.Advance(time.Second)
	e.enqueue("c3")
	li := e.lease("h", time.Minute)

	items, err := e.b.Snapshot(e.ctx, moniker)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	var pending, leased int
	for _, w := range items {
		switch w.State {
		case queue.StatePending:
			pending++
		case queue.StateLeased:
			leased++
			if w.ID != li.Item.ID || !w.LeaseExpiry.Equal(li.Item.LeaseExpiry) {
				t.Fatalf("leased snapshot item %+v", w)
			}
		}
		if w.EnqueuedAt.IsZero() {
			t.Fatalf("missing enqueue time")
		}
	}
	if pending != 2 || leased != 1 {
		t.Fatalf("pending=%d leased=%d", pending, leased)
	}
}

func testReceipt(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	e.enqueue("c1")
	li := e.lease("h", time.Minute)
	h, err := queue.ParseReceipt(li.Handle.Receipt())
	if err != nil {
		t.Fatalf("parse receipt: %v", err)
	}
	if h != li.Handle {
		t.Fatalf("receipt round trip: %v vs %v", h, li.Handle)
	}
	if err := e.b.Complete(e.ctx, h, "h"); err != nil {
		t.Fatalf("complete via receipt: %v", err)
	}
	if _, err := queue.ParseReceipt("not-a-receipt"); !errors.Is(err, queue.ErrInvalidHandle) {
		t.Fatalf("bad receipt: %v", err)
	}
}

func testInvalidMoniker(t *testing.T, f Factory) {
	e := setup(t, f, 5)
	if _, _, err := e.b.Enqueue(e.ctx, "a/b", item("c1")); !errors.Is(err, queue.ErrInvalidMoniker) {
		t.Fatalf("enqueue: want ErrInvalidMoniker, got %v", err)
	}
	if _, err := e.b.LeaseNext(e.ctx, "", "h", time.Minute); !errors.Is(err, queue.ErrInvalidMoniker) {
		t.Fatalf("lease: want ErrInvalidMoniker, got %v", err)
	}
}
