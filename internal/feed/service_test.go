package feed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/export"
	"github.com/rzbill/cmdfeed/internal/feed"
	"github.com/rzbill/cmdfeed/internal/feed/feedtest"
	"github.com/rzbill/cmdfeed/internal/notify"
	"github.com/rzbill/cmdfeed/internal/queue"
)

func deleteCmd(id string) command.Command {
	return command.Command{ID: id, Kind: command.KindDelete, SubjectType: command.SubjectMSAUser, Body: command.DeletePayload{}}
}

func exportCmd(id string, dataTypes ...string) command.Command {
	return command.Command{ID: id, Kind: command.KindExport, SubjectType: command.SubjectMSAUser, Body: command.ExportPayload{DataTypes: dataTypes}}
}

func TestIngestIsIdempotent(t *testing.T) {
	env := feedtest.New(t)
	ctx := context.Background()

	res, err := env.Service.Ingest(ctx, deleteCmd("d-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 0, res.Duplicates)
	assert.Nil(t, res.Export)

	again, err := env.Service.Ingest(ctx, deleteCmd("d-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Duplicates)
	for i := range res.Destinations {
		assert.Equal(t, res.Destinations[i].Moniker, again.Destinations[i].Moniker)
	}
}

func TestIngestAssignsIDAndRejectsBadKind(t *testing.T) {
	env := feedtest.New(t)
	res, err := env.Service.Ingest(context.Background(), deleteCmd(""))
	require.NoError(t, err)
	assert.NotEmpty(t, res.CommandID)

	_, err = env.Service.Ingest(context.Background(), command.Command{ID: "x", Kind: command.Kind(9), SubjectType: command.SubjectMSAUser})
	assert.True(t, errors.Is(err, command.ErrUnsupportedCommandKind))
}

func TestZeroDestinationExportIsComplete(t *testing.T) {
	env := feedtest.New(t)
	cmd := exportCmd("e-0", "Fitness")
	cmd.SubjectType = command.SubjectAADUser
	res, err := env.Service.Ingest(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, res.Destinations)
	require.NotNil(t, res.Export)
	assert.Equal(t, export.StatusComplete, res.Export.Status)
	assert.Empty(t, env.Tracker.Pending())

	st, err := env.Service.ExportStatus(context.Background(), "e-0")
	require.NoError(t, err)
	assert.Equal(t, export.StatusComplete, st.Status)
}

func TestExportLifecycle(t *testing.T) {
	env := feedtest.New(t)
	ctx := context.Background()

	res, err := env.Service.Ingest(ctx, exportCmd("e-1", "Search"))
	require.NoError(t, err)
	require.NotNil(t, res.Export)
	assert.Equal(t, export.StatusIncomplete, res.Export.Status)
	assert.Equal(t, []string{"e-1"}, env.Tracker.Pending())

	monikers := make([]string, len(res.Destinations))
	for i, d := range res.Destinations {
		monikers[i] = d.Moniker
	}
	assert.Equal(t, []string{"agent-a.ag1.export", "agent-a.ag2.export", "agent-b.ag3.export"}, monikers)

	leased, err := env.Service.LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-b"})
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, command.StorageSQLite, leased.Handle.StorageType)
	assert.WithinDuration(t, env.Clock.Now().Add(time.Minute), leased.Item.LeaseExpiry, 0, "agent-b override applies")

	_, err = env.Service.ExpectPages(ctx, "e-1", "agent-b", "ag3", 2)
	require.NoError(t, err)
	for page := 1; page <= 2; page++ {
		require.NoError(t, env.Service.ReportPage(ctx, export.Completion{
			CommandID: "e-1",
			Key:       export.Key{AgentID: "agent-b", AssetGroupID: "ag3", Page: page},
		}))
	}
	st, err := env.Service.ExportStatus(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, export.StatusIncomplete, st.Status, "agent-a has not reported")
	assert.Equal(t, 3, st.Destinations)
	assert.Equal(t, 1, st.DestinationsDone)

	for _, ag := range []string{"ag1", "ag2"} {
		_, err = env.Service.ExpectPages(ctx, "e-1", "agent-a", ag, 1)
		require.NoError(t, err)
		require.NoError(t, env.Service.ReportPage(ctx, export.Completion{
			CommandID: "e-1",
			Key:       export.Key{AgentID: "agent-a", AssetGroupID: ag, Page: 1},
		}))
	}
	st, err = env.Service.ExportStatus(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, export.StatusComplete, st.Status)
	assert.Equal(t, 4, st.Expected)

	receipt := leased.Handle.Receipt()
	require.NoError(t, env.Service.Complete(ctx, receipt, "agent-b"))
	err = env.Service.Complete(ctx, receipt, "agent-b")
	assert.True(t, errors.Is(err, queue.ErrLeaseLost))
}

func TestLeaseFiltersAndExtend(t *testing.T) {
	env := feedtest.New(t)
	ctx := context.Background()
	_, err := env.Service.Ingest(ctx, deleteCmd("d-1"))
	require.NoError(t, err)

	leased, err := env.Service.LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-a", AssetGroupID: "ag2"})
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "agent-a.ag2.delete", leased.Item.Moniker)
	assert.WithinDuration(t, env.Clock.Now().Add(30*time.Second), leased.Item.LeaseExpiry, 0)

	none, err := env.Service.LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-a", Kind: command.KindExport})
	require.NoError(t, err)
	assert.Nil(t, none)

	receipt, err := env.Service.Extend(ctx, leased.Handle.Receipt(), "agent-a", time.Hour)
	require.NoError(t, err)
	h, err := queue.ParseReceipt(receipt)
	require.NoError(t, err)
	items, err := env.Router.All()[0].Snapshot(ctx, h.Moniker)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.WithinDuration(t, env.Clock.Now().Add(10*time.Minute), items[0].LeaseExpiry, 0, "clamped to max")

	require.NoError(t, env.Service.Abandon(ctx, receipt, "agent-a"))
	_, err = env.Service.LeaseNext(ctx, feed.LeaseRequest{})
	assert.True(t, errors.Is(err, feed.ErrInvalidRequest))
}

func TestFailDeadLettersAndNotifies(t *testing.T) {
	env := feedtest.New(t)
	ctx := context.Background()
	_, err := env.Service.Ingest(ctx, deleteCmd("d-1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		leased, err := env.Service.LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-a", AssetGroupID: "ag1"})
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d", i+1)
		require.NoError(t, env.Service.Fail(ctx, leased.Handle.Receipt(), "agent-a", "boom"))
	}
	leased, err := env.Service.LeaseNext(ctx, feed.LeaseRequest{AgentID: "agent-a", AssetGroupID: "ag1"})
	require.NoError(t, err)
	assert.Nil(t, leased)

	dls, err := env.Service.DeadLetters(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "agent-a.ag1.delete", dls[0].Item.Moniker)

	events := env.Notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventDeadLettered, events[0].Type)
	assert.Equal(t, "d-1", events[0].CommandID)

	stats, err := env.Service.Statistics(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].DeadLetterCount)
	assert.Equal(t, 1, stats[1].PendingCount)
}

func TestHealth(t *testing.T) {
	env := feedtest.New(t)
	assert.NoError(t, env.Service.Health(context.Background()))
}
