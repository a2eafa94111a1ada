// Package feedtest builds a feed.Service over temporary Pebble and SQLite
// queues for tests of the service and its transports.
package feedtest

import (
	"testing"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/export"
	"github.com/rzbill/cmdfeed/internal/fanout"
	"github.com/rzbill/cmdfeed/internal/feed"
	"github.com/rzbill/cmdfeed/internal/lease"
	"github.com/rzbill/cmdfeed/internal/notify"
	"github.com/rzbill/cmdfeed/internal/policy"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/queue/pebbleq"
	"github.com/rzbill/cmdfeed/internal/queue/queuetest"
	"github.com/rzbill/cmdfeed/internal/queue/sqlq"
	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
)

// Bindings used by Env: agent-a owns two asset groups on the default
// (Pebble) backend, the second limited to MSA users and devices. agent-b
// owns one on SQLite and only takes exports.
func Bindings() []policy.Binding {
	return []policy.Binding{
		{AgentID: "agent-a", AssetGroupID: "ag1", DataTypes: []string{"Search", "Browsing"}},
		{AgentID: "agent-a", AssetGroupID: "ag2", Qualifier: "AssetType=CosmosStructuredStream",
			SubjectTypes: []command.SubjectType{command.SubjectMSAUser, command.SubjectDevice}},
		{AgentID: "agent-b", AssetGroupID: "ag3", StorageType: command.StorageSQLite, Kinds: []string{"export"}, DataTypes: []string{"Search"}},
	}
}

type Env struct {
	Service  *feed.Service
	Router   *queue.Router
	Tracker  *export.Tracker
	Leases   *lease.Policy
	Notifier *notify.Memory
	Clock    *queuetest.Clock
}

func New(t *testing.T) *Env {
	t.Helper()
	clock := queuetest.NewClock()
	mem := &notify.Memory{}
	qopts := queue.Options{MaxAttempts: 3, Now: clock.Now, OnDeadLetter: feed.DeadLetterHook(mem, nil)}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sb, err := sqlq.Open(sqlq.Options{InMemory: true}, qopts)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })
	router, err := queue.NewRouter(command.StoragePebble, pebbleq.New(db, qopts), sb)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	snap, err := policy.Build(1, Bindings())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	leases, err := lease.Build(lease.Config{
		Default:   30 * time.Second,
		Min:       5 * time.Second,
		Max:       10 * time.Minute,
		Overrides: map[string]time.Duration{"agent-b": time.Minute},
	})
	if err != nil {
		t.Fatalf("lease policy: %v", err)
	}
	tracker, err := export.NewTracker(export.NewMemoryStore(), export.Config{
		Window:        2 * time.Hour,
		SliceDuration: 10 * time.Minute,
		Timeout:       time.Hour,
		PollInterval:  time.Second,
	}, mem, export.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	svc, err := feed.New(feed.Deps{
		Resolver:  policy.NewStore(snap),
		Router:    router,
		Leases:    leases,
		Tracker:   tracker,
		Publisher: fanout.PublisherOptions{MaxTries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &Env{Service: svc, Router: router, Tracker: tracker, Leases: leases, Notifier: mem, Clock: clock}
}
