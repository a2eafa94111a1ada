package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/notify"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{Window: 2 * time.Hour, SliceDuration: 10 * time.Minute, Timeout: time.Hour, PollInterval: time.Second}
}

func threeKeys() []Key {
	return []Key{
		{AgentID: "a", AssetGroupID: "g1", Page: 1},
		{AgentID: "a", AssetGroupID: "g1", Page: 2},
		{AgentID: "b", AssetGroupID: "g2", Page: 1},
	}
}

func newTracker(t *testing.T, n notify.Notifier, now *time.Time) *Tracker {
	t.Helper()
	tr, err := NewTracker(NewMemoryStore(), testConfig(), n, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return tr
}

func TestJoinCompleteWithDuplicates(t *testing.T) {
	ctx := context.Background()
	now := t0
	tr := newTracker(t, nil, &now)

	_, err := tr.Expect(ctx, "x", command.KindExport, threeKeys(), t0)
	require.NoError(t, err)
	for _, k := range append(threeKeys(), threeKeys()[0]) {
		require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "x", Key: k, CompletedAt: t0.Add(time.Minute)}))
	}

	res, err := tr.Check(ctx, "x", t0, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 3, res.Expected)
	assert.Equal(t, 3, res.Completed)
}

func TestJoinIncompleteThenTimedOut(t *testing.T) {
	ctx := context.Background()
	now := t0
	tr := newTracker(t, nil, &now)

	_, err := tr.Expect(ctx, "x", command.KindExport, threeKeys(), t0)
	require.NoError(t, err)
	for _, k := range threeKeys()[:2] {
		require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "x", Key: k, CompletedAt: t0.Add(time.Minute)}))
	}

	res, err := tr.Check(ctx, "x", t0, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, res.Status)
	assert.Equal(t, 2, res.Completed)

	res, err = tr.Check(ctx, "x", t0, t0.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrExportTimedOut))
	assert.Equal(t, StatusTimedOut, res.Status)
}

func TestUnexpectedCompletionsDoNotCount(t *testing.T) {
	ctx := context.Background()
	now := t0
	tr := newTracker(t, nil, &now)

	_, err := tr.Expect(ctx, "x", command.KindExport, threeKeys()[:1], t0)
	require.NoError(t, err)
	require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "x", Key: Key{AgentID: "z", AssetGroupID: "g9", Page: 7}, CompletedAt: t0}))

	res, err := tr.Check(ctx, "x", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, res.Status)
	assert.Equal(t, 0, res.Completed)
}

func TestZeroExpectationsAreVacuouslyComplete(t *testing.T) {
	now := t0
	tr := newTracker(t, nil, &now)

	res, err := tr.Expect(context.Background(), "x", command.KindExport, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Empty(t, tr.Pending())

	st, err := tr.Status(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
}

func TestSweepNotifiesAndUnregisters(t *testing.T) {
	ctx := context.Background()
	now := t0
	mem := &notify.Memory{}
	tr := newTracker(t, mem, &now)

	_, err := tr.Expect(ctx, "done", command.KindExport, threeKeys()[:1], t0)
	require.NoError(t, err)
	_, err = tr.Expect(ctx, "slow", command.KindExport, threeKeys(), t0)
	require.NoError(t, err)
	require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "done", Key: threeKeys()[0], CompletedAt: t0}))

	now = t0.Add(time.Minute)
	tr.Sweep(ctx)
	assert.Equal(t, []string{"slow"}, tr.Pending())

	now = t0.Add(time.Hour)
	tr.Sweep(ctx)
	assert.Empty(t, tr.Pending())

	events := mem.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.EventExportCompleted, events[0].Type)
	assert.Equal(t, "done", events[0].CommandID)
	assert.Equal(t, notify.EventExportTimedOut, events[1].Type)
	assert.Equal(t, "slow", events[1].CommandID)

	// A later sweep does not revisit the timed-out command.
	now = t0.Add(2 * time.Hour)
	tr.Sweep(ctx)
	assert.Len(t, mem.Events(), 2)

	st, err := tr.Status(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, st.Status)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	c := testConfig()
	c.Window = 30 * time.Minute
	assert.Error(t, c.Validate())
	c = testConfig()
	c.SliceDuration = time.Millisecond
	assert.Error(t, c.Validate())
}

func TestConfigBoundsSlicesPerWindow(t *testing.T) {
	c := testConfig()
	c.SliceDuration = time.Second
	c.Window = 48 * time.Hour
	assert.Error(t, c.Validate())
	c.SliceDuration = time.Minute
	assert.NoError(t, c.Validate())
}

func TestRegisteredWithoutExpectationsTimesOut(t *testing.T) {
	ctx := context.Background()
	now := t0
	mem := &notify.Memory{}
	tr := newTracker(t, mem, &now)

	_, err := tr.Register(ctx, "x", []Key{{AgentID: "a", AssetGroupID: "g1"}}, t0)
	require.NoError(t, err)
	now = t0.Add(30 * time.Minute)
	tr.Sweep(ctx)
	assert.Equal(t, []string{"x"}, tr.Pending())

	now = t0.Add(time.Hour)
	tr.Sweep(ctx)
	assert.Empty(t, tr.Pending())
	require.Len(t, mem.Events(), 1)
	assert.Equal(t, notify.EventExportTimedOut, mem.Events()[0].Type)
}

func TestExportWaitsForEveryDestination(t *testing.T) {
	ctx := context.Background()
	now := t0
	mem := &notify.Memory{}
	tr := newTracker(t, mem, &now)

	dests := []Key{{AgentID: "agent-a", AssetGroupID: "ag1"}, {AgentID: "agent-a", AssetGroupID: "ag2"}, {AgentID: "agent-b", AssetGroupID: "ag3"}}
	res, err := tr.Register(ctx, "e", dests, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Destinations)

	b1 := Key{AgentID: "agent-b", AssetGroupID: "ag3", Page: 1}
	_, err = tr.Expect(ctx, "e", command.KindExport, []Key{b1}, t0)
	require.NoError(t, err)
	require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "e", Key: b1, CompletedAt: t0}))

	now = t0.Add(time.Minute)
	tr.Sweep(ctx)
	st, err := tr.Status(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, st.Status, "agent-a has not announced its pages")
	assert.Equal(t, 1, st.DestinationsDone)
	assert.Equal(t, 3, st.Destinations)
	assert.Empty(t, mem.Events())

	for _, ag := range []string{"ag1", "ag2"} {
		k := Key{AgentID: "Agent-A", AssetGroupID: ag, Page: 1}
		_, err = tr.Expect(ctx, "e", command.KindExport, []Key{k}, now)
		require.NoError(t, err)
		require.NoError(t, tr.ReportPage(ctx, Completion{CommandID: "e", Key: k, CompletedAt: now}))
	}
	tr.Sweep(ctx)
	require.Len(t, mem.Events(), 1)
	assert.Equal(t, notify.EventExportCompleted, mem.Events()[0].Type)
	st, err = tr.Status(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
	assert.Equal(t, 3, st.Expected)
}

func TestRecoverRestoresPendingAndTerminal(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := NewMemoryStore()
	mem := &notify.Memory{}
	clock := WithClock(func() time.Time { return now })

	first, err := NewTracker(store, testConfig(), mem, clock)
	require.NoError(t, err)
	_, err = first.Register(ctx, "slow", []Key{{AgentID: "a", AssetGroupID: "g1"}}, t0)
	require.NoError(t, err)
	_, err = first.Register(ctx, "quick", threeKeys()[:1], t0)
	require.NoError(t, err)
	_, err = first.Expect(ctx, "quick", command.KindExport, threeKeys()[:1], t0)
	require.NoError(t, err)
	require.NoError(t, first.ReportPage(ctx, Completion{CommandID: "quick", Key: threeKeys()[0], CompletedAt: t0}))
	now = t0.Add(time.Minute)
	first.Sweep(ctx)
	require.Len(t, mem.Events(), 1)

	second, err := NewTracker(store, testConfig(), mem, clock)
	require.NoError(t, err)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"slow"}, second.Pending())

	now = t0.Add(time.Hour)
	second.Sweep(ctx)
	events := mem.Events()
	require.Len(t, events, 2, "the completed export is not notified twice")
	assert.Equal(t, notify.EventExportTimedOut, events[1].Type)
	assert.Equal(t, "slow", events[1].CommandID)
}
