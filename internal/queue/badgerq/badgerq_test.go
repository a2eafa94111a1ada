package badgerq

import (
	"testing"

	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/queue/queuetest"
)

func TestConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Backend {
		b, err := Open(Options{InMemory: true}, opts)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestOnDisk(t *testing.T) {
	b, err := Open(Options{Dir: t.TempDir(), GCInterval: 0}, queue.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if err := b.Ping(t.Context()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
