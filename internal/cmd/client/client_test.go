package client

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/feed/feedtest"
	httpserver "github.com/rzbill/cmdfeed/internal/server/http"
)

func server(t *testing.T) *httptest.Server {
	t.Helper()
	env := feedtest.New(t)
	ts := httptest.NewServer(httpserver.New(env.Service, httpserver.Options{}, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func() string { return ts.URL })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestIngestLeaseCompleteFlow(t *testing.T) {
	ts := server(t)

	out, err := run(t, ts, "command", "ingest", "--id", "d-1", "--kind", "delete", "--subject-type", "msaUser")
	require.NoError(t, err, out)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, 2, res["enqueued"])

	out, err = run(t, ts, "agent", "lease", "--agent", "agent-a", "--asset-group", "ag1")
	require.NoError(t, err, out)
	var lease map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &lease))
	receipt := lease["receipt"].(string)

	out, err = run(t, ts, "agent", "complete", "--agent", "agent-a", "--receipt", receipt)
	require.NoError(t, err, out)
	assert.Equal(t, "ok\n", out)

	out, err = run(t, ts, "agent", "lease", "--agent", "agent-a", "--asset-group", "ag1")
	require.NoError(t, err)
	assert.Equal(t, "no work available\n", out)

	_, err = run(t, ts, "agent", "complete", "--agent", "agent-a", "--receipt", receipt)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)
}

func TestExportCommands(t *testing.T) {
	ts := server(t)
	_, err := run(t, ts, "command", "ingest", "--id", "e-1", "--kind", "export", "--data-types", "Search")
	require.NoError(t, err)

	owners := [][2]string{{"agent-a", "ag1"}, {"agent-a", "ag2"}, {"agent-b", "ag3"}}
	for i, o := range owners {
		_, err = run(t, ts, "export", "expect", "e-1", "--agent", o[0], "--asset-group", o[1], "--pages", "1")
		require.NoError(t, err)
		_, err = run(t, ts, "export", "page", "e-1", "--agent", o[0], "--asset-group", o[1], "--page", "1")
		require.NoError(t, err)
		if i == 0 {
			out, err := run(t, ts, "export", "status", "e-1")
			require.NoError(t, err)
			assert.Contains(t, out, `"status": "incomplete"`)
		}
	}

	out, err := run(t, ts, "export", "status", "e-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "complete"`)
}

func TestStatsTable(t *testing.T) {
	ts := server(t)
	_, err := run(t, ts, "command", "ingest", "--id", "d-1", "--kind", "delete")
	require.NoError(t, err)

	out, err := run(t, ts, "stats", "--agent", "agent-a")
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(out), "ASSET GROUP")
	assert.Contains(t, out, "ag1")
	assert.Contains(t, out, "ag2")

	out, err = run(t, ts, "deadletters")
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(out), "MONIKER")
}

func TestIngestRejectsBadFlags(t *testing.T) {
	ts := server(t)
	_, err := run(t, ts, "command", "ingest", "--kind", "purge")
	assert.Error(t, err)
	_, err = run(t, ts, "command", "ingest", "--subject", "{not json")
	assert.Error(t, err)
}
