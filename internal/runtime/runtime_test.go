package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/cmdfeed/internal/config"
	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/feed"
	"github.com/rzbill/cmdfeed/internal/notify"
)

const policyV1 = `
version: 1
bindings:
  - agent: agent-a
    assetGroup: ag1
  - agent: agent-b
    assetGroup: ag2
    storage: sqlite
`

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(p, []byte(policyV1), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := cfgpkg.Default()
	cfg.DataDir = dir
	cfg.Queue.Fsync = "never"
	cfg.Queue.SQLite.Enabled = true
	cfg.Queue.Badger.Enabled = true
	cfg.Policy.File = p
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(context.Background(), Options{Config: testConfig(t), Notifier: &notify.Memory{}})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if v := rt.Policy().Current().Version; v != 1 {
		t.Fatalf("policy version: %d", v)
	}
}

func TestIngestAcrossBackends(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Config: testConfig(t), Notifier: &notify.Memory{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	res, err := rt.Service().Ingest(ctx, command.Command{
		ID: "c-1", Kind: command.KindDelete, SubjectType: command.SubjectMSAUser, Body: command.DeletePayload{},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Enqueued != 2 {
		t.Fatalf("enqueued: %d", res.Enqueued)
	}
	item, err := rt.Service().LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-b"})
	if err != nil || item == nil {
		t.Fatalf("lease: %v %v", item, err)
	}
	if item.Handle.StorageType != command.StorageSQLite {
		t.Fatalf("storage: %s", item.Handle.StorageType)
	}
}

func TestReopenResumesPendingExports(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rt, err := Open(ctx, Options{Config: cfg, Notifier: &notify.Memory{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := rt.Service().Ingest(ctx, command.Command{
		ID: "e-1", Kind: command.KindExport, SubjectType: command.SubjectMSAUser, Body: command.ExportPayload{},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Export == nil || res.Export.Destinations != 2 {
		t.Fatalf("export registration: %+v", res.Export)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Open(ctx, Options{Config: cfg, Notifier: &notify.Memory{}})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	if p := rt.Tracker().Pending(); len(p) != 1 || p[0] != "e-1" {
		t.Fatalf("pending after reopen: %v", p)
	}
	st, err := rt.Service().ExportStatus(ctx, "e-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Destinations != 2 || st.DestinationsDone != 0 {
		t.Fatalf("status after reopen: %+v", st)
	}
}

func TestPurgeDedupAfterRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := testConfig(t)
	rt, err := Open(ctx, Options{Config: cfg, Notifier: &notify.Memory{}, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	cmd := command.Command{ID: "c-1", Kind: command.KindDelete, SubjectType: command.SubjectMSAUser, Body: command.DeletePayload{}}
	if _, err := rt.Service().Ingest(ctx, cmd); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, agent := range []string{"agent-a", "agent-b"} {
		item, err := rt.Service().LeaseNext(ctx, feed.LeaseRequest{AgentID: agent})
		if err != nil || item == nil {
			t.Fatalf("lease %s: %v %v", agent, item, err)
		}
		if err := rt.Service().Complete(ctx, item.Handle.Receipt(), agent); err != nil {
			t.Fatalf("complete %s: %v", agent, err)
		}
	}
	if n := rt.PurgeDedup(ctx); n != 0 {
		t.Fatalf("purged within retention: %d", n)
	}

	now = now.Add(cfg.Queue.DedupRetention + time.Minute)
	if n := rt.PurgeDedup(ctx); n != 2 {
		t.Fatalf("purged after retention: %d", n)
	}
	res, err := rt.Service().Ingest(ctx, cmd)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if res.Enqueued != 2 {
		t.Fatalf("re-ingest enqueued %d, duplicates %d", res.Enqueued, res.Duplicates)
	}
}

func TestPurgeInterval(t *testing.T) {
	for retention, want := range map[time.Duration]time.Duration{
		0:                time.Minute,
		20 * time.Minute: 5 * time.Minute,
		24 * time.Hour:   time.Hour,
	} {
		if got := purgeInterval(retention); got != want {
			t.Fatalf("purgeInterval(%s) = %s, want %s", retention, got, want)
		}
	}
}

func TestReloadSwapsLeasesAndPolicy(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Open(context.Background(), Options{Config: cfg, Notifier: &notify.Memory{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	cfg.Lease.Overrides = map[string]time.Duration{"agent-a": 2 * time.Minute}
	if err := os.WriteFile(cfg.Policy.File, []byte("version: 2\nbindings: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rt.Reload(cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d := rt.Leases().GetLeaseDuration("agent-a"); d != 2*time.Minute {
		t.Fatalf("lease: %s", d)
	}
	if v := rt.Policy().Current().Version; v != 2 {
		t.Fatalf("policy version: %d", v)
	}

	cfg.Lease.Min = time.Hour
	if err := rt.Reload(cfg); err == nil {
		t.Fatalf("expected invalid lease table to be rejected")
	}
	if d := rt.Leases().GetLeaseDuration("agent-a"); d != 2*time.Minute {
		t.Fatalf("lease table changed on error: %s", d)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Default = "sqlite"
	cfg.Queue.SQLite.Enabled = false
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected error")
	}
}
