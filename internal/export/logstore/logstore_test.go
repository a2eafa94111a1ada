package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/export"
	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cfg := export.Config{Window: 2 * time.Hour, SliceDuration: 10 * time.Minute, Timeout: time.Hour, PollInterval: time.Second}
	return New(db, cfg)
}

func TestReadsAcrossSlicesFilteredByCommand(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	recs := []export.Expectation{
		{CommandID: "x", Key: export.Key{AgentID: "a", AssetGroupID: "g", Page: 1}, Kind: command.KindExport, CreatedAt: t0},
		{CommandID: "y", Key: export.Key{AgentID: "a", AssetGroupID: "g", Page: 1}, Kind: command.KindExport, CreatedAt: t0},
		{CommandID: "x", Key: export.Key{AgentID: "a", AssetGroupID: "g", Page: 2}, Kind: command.KindExport, CreatedAt: t0.Add(25 * time.Minute)},
	}
	if err := s.PutExpectations(ctx, recs); err != nil {
		t.Fatalf("put expectations: %v", err)
	}
	if err := s.PutCompletion(ctx, export.Completion{CommandID: "x", Key: recs[0].Key, DestinationURI: "s3://out/1", CompletedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("put completion: %v", err)
	}

	w := export.Window{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}
	exps, err := s.Expectations(ctx, "x", w)
	if err != nil {
		t.Fatalf("expectations: %v", err)
	}
	if len(exps) != 2 {
		t.Fatalf("want 2 expectations for x, got %d", len(exps))
	}
	cmps, err := s.Completions(ctx, "x", w)
	if err != nil {
		t.Fatalf("completions: %v", err)
	}
	if len(cmps) != 1 || cmps[0].DestinationURI != "s3://out/1" {
		t.Fatalf("unexpected completions: %+v", cmps)
	}

	narrow := export.Window{From: t0, To: t0.Add(5 * time.Minute)}
	exps, err = s.Expectations(ctx, "x", narrow)
	if err != nil {
		t.Fatalf("narrow expectations: %v", err)
	}
	if len(exps) != 1 || exps[0].Key.Page != 1 {
		t.Fatalf("narrow window: %+v", exps)
	}
}

func TestPruneDropsOldSlices(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	old := export.Expectation{CommandID: "x", Key: export.Key{AgentID: "a", AssetGroupID: "g", Page: 1}, CreatedAt: t0}
	fresh := export.Expectation{CommandID: "x", Key: export.Key{AgentID: "a", AssetGroupID: "g", Page: 2}, CreatedAt: t0.Add(time.Hour)}
	if err := s.PutExpectations(ctx, []export.Expectation{old, fresh}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Prune(ctx, t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	exps, err := s.Expectations(ctx, "x", export.Window{From: t0.Add(-time.Hour), To: t0.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("expectations: %v", err)
	}
	if len(exps) != 1 || exps[0].Key.Page != 2 {
		t.Fatalf("want only the fresh expectation, got %+v", exps)
	}
}

func TestTrackerOverLogStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := t0
	tr, err := export.NewTracker(s, s.cfg, nil, export.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	keys := []export.Key{{AgentID: "a", AssetGroupID: "g", Page: 1}, {AgentID: "b", AssetGroupID: "g", Page: 1}}
	if _, err := tr.Expect(ctx, "x", command.KindExport, keys, t0); err != nil {
		t.Fatalf("expect: %v", err)
	}
	for _, k := range keys {
		if err := tr.ReportPage(ctx, export.Completion{CommandID: "x", Key: k, CompletedAt: t0.Add(15 * time.Minute)}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	res, err := tr.Check(ctx, "x", t0, t0.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Status != export.StatusComplete {
		t.Fatalf("want complete, got %s", res.Status)
	}
}

func TestRegistrationsReadBackAcrossSlices(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	recs := []export.Registration{
		{CommandID: "x", Status: export.StatusIncomplete, StartedAt: t0, At: t0},
		{CommandID: "y", Status: export.StatusIncomplete, StartedAt: t0.Add(15 * time.Minute), At: t0.Add(15 * time.Minute)},
		{CommandID: "x", Status: export.StatusComplete, Expected: 2, Completed: 2, StartedAt: t0, At: t0.Add(40 * time.Minute)},
	}
	for _, r := range recs {
		if err := s.PutRegistration(ctx, r); err != nil {
			t.Fatalf("put registration: %v", err)
		}
	}
	got, err := s.Registrations(ctx, export.Window{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("registrations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 registrations, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.CommandID != "x" || last.Status != export.StatusComplete || last.Completed != 2 {
		t.Fatalf("unexpected last registration: %+v", last)
	}
}

func TestTrackerResumesAfterRestart(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := t0
	clock := export.WithClock(func() time.Time { return now })
	dests := []export.Key{{AgentID: "a", AssetGroupID: "g"}, {AgentID: "b", AssetGroupID: "g"}}

	first, err := export.NewTracker(s, s.cfg, nil, clock)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if _, err := first.Register(ctx, "x", dests, t0); err != nil {
		t.Fatalf("register: %v", err)
	}

	now = t0.Add(5 * time.Minute)
	second, err := export.NewTracker(s, s.cfg, nil, clock)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if n, err := second.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	for _, d := range dests {
		k := export.Key{AgentID: d.AgentID, AssetGroupID: d.AssetGroupID, Page: 1}
		if _, err := second.Expect(ctx, "x", command.KindExport, []export.Key{k}, now); err != nil {
			t.Fatalf("expect: %v", err)
		}
		if err := second.ReportPage(ctx, export.Completion{CommandID: "x", Key: k}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	second.Sweep(ctx)
	if p := second.Pending(); len(p) != 0 {
		t.Fatalf("want no pending exports, got %v", p)
	}

	third, err := export.NewTracker(s, s.cfg, nil, clock)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if n, err := third.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("recover after completion: n=%d err=%v", n, err)
	}
	res, err := third.Status(ctx, "x")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != export.StatusComplete || !res.StartedAt.Equal(t0) {
		t.Fatalf("want complete from %s, got %+v", t0, res)
	}
}
