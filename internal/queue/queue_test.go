package queue_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/pkg/id"
)

type stubBackend struct {
	queue.Backend
	typ     command.QueueStorageType
	purged  int
	failing error
	closed  bool
}

func (b *stubBackend) Type() command.QueueStorageType { return b.typ }

func (b *stubBackend) PurgeDedup(context.Context) (int, error) { return b.purged, b.failing }

func (b *stubBackend) Ping(context.Context) error { return b.failing }

func (b *stubBackend) Close() error {
	b.closed = true
	return nil
}

func TestReceiptRoundTrip(t *testing.T) {
	h := queue.Handle{
		StorageType: command.StorageSQLite,
		Moniker:     "agent-a.ag1.export",
		ItemID:      id.NewGenerator().Next(),
		Version:     7,
	}
	got, err := queue.ParseReceipt(h.Receipt())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestParseReceiptAcceptsNumericStorage(t *testing.T) {
	itemID := id.NewGenerator().Next()
	raw := fmt.Sprintf(`{"s":2,"m":"agent-a.ag1.delete","i":%q,"v":1}`, itemID.String())
	h, err := queue.ParseReceipt(base64.RawURLEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, command.StorageBadger, h.StorageType)
	assert.Equal(t, itemID, h.ItemID)
}

func TestParseReceiptRejectsGarbage(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	for name, receipt := range map[string]string{
		"not base64":  "%%%",
		"not json":    enc("hello"),
		"no moniker":  enc(`{"s":1,"m":"","i":"` + id.NewGenerator().Next().String() + `","v":1}`),
		"bad moniker": enc(`{"s":1,"m":"a/b","i":"` + id.NewGenerator().Next().String() + `","v":1}`),
		"zero item":   enc(`{"s":1,"m":"a.b.delete","v":1}`),
	} {
		_, err := queue.ParseReceipt(receipt)
		assert.ErrorIs(t, err, queue.ErrInvalidHandle, name)
	}
}

func TestRouterRouting(t *testing.T) {
	pebble := &stubBackend{typ: command.StoragePebble}
	sqlite := &stubBackend{typ: command.StorageSQLite}
	r, err := queue.NewRouter(command.StoragePebble, sqlite, nil, pebble)
	require.NoError(t, err)
	assert.Equal(t, command.StoragePebble, r.Default())

	b, err := r.Backend(command.StorageUndefined)
	require.NoError(t, err)
	assert.Same(t, pebble, b)

	b, err = r.Backend(command.StorageSQLite)
	require.NoError(t, err)
	assert.Same(t, sqlite, b)

	_, err = r.Backend(command.StorageBadger)
	assert.ErrorIs(t, err, queue.ErrUnknownStorage)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, command.StoragePebble, all[0].Type())
	assert.Equal(t, command.StorageSQLite, all[1].Type())

	b, err = r.ForHandle(queue.Handle{StorageType: command.StorageSQLite})
	require.NoError(t, err)
	assert.Same(t, sqlite, b)
	_, err = r.ForHandle(queue.Handle{StorageType: command.StorageBadger})
	assert.ErrorIs(t, err, queue.ErrInvalidHandle)

	require.NoError(t, r.Close())
	assert.True(t, pebble.closed)
	assert.True(t, sqlite.closed)
}

func TestNewRouterValidation(t *testing.T) {
	_, err := queue.NewRouter(command.StorageBadger, &stubBackend{typ: command.StoragePebble})
	assert.ErrorIs(t, err, queue.ErrUnknownStorage)

	_, err = queue.NewRouter(command.StoragePebble,
		&stubBackend{typ: command.StoragePebble}, &stubBackend{typ: command.StoragePebble})
	assert.Error(t, err)
}

func TestRouterPurgeDedupSumsBackends(t *testing.T) {
	boom := errors.New("disk gone")
	r, err := queue.NewRouter(command.StoragePebble,
		&stubBackend{typ: command.StoragePebble, purged: 3},
		&stubBackend{typ: command.StorageSQLite, purged: 1, failing: boom})
	require.NoError(t, err)

	n, err := r.PurgeDedup(context.Background())
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, r.Ping(context.Background()), boom)
}

func TestClassify(t *testing.T) {
	for _, err := range []error{
		queue.ErrLeaseLost,
		fmt.Errorf("wrapped: %w", queue.ErrInvalidHandle),
		queue.ErrInvalidMoniker,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		assert.Equal(t, err, queue.Classify(command.StoragePebble, err))
	}

	assert.NoError(t, queue.Classify(command.StoragePebble, nil))

	err := queue.Classify(command.StorageSQLite, errors.New("database is locked"))
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "sqlite")
	assert.Contains(t, err.Error(), "database is locked")
}
