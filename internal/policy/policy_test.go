package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/command"
)

const sample = `
version: 3
bindings:
  - agent: agent-a
    assetGroup: ag-1
    qualifier: "AssetType=CosmosStructuredStream"
    storage: badger
    dataTypes: [BrowsingHistory, SearchHistory]
    variants:
      - id: v-1
        dataTypes: [SearchHistory]
  - agent: agent-b
    assetGroup: ag-2
    kinds: [delete, export]
    subjectTypes: [msaUser]
  - agent: agent-c
    assetGroup: ag-3
    kinds: [ageout]
`

func TestParseAndResolve(t *testing.T) {
	snap, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)

	cmd := command.Command{ID: "c", Kind: command.KindDelete, SubjectType: command.SubjectMSAUser, PolicyVersion: 3}
	pairs, err := snap.Resolve(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "agent-a", pairs[0].AgentID)
	assert.Equal(t, command.StorageBadger, pairs[0].StorageType)
	assert.Equal(t, "agent-b", pairs[1].AgentID)

	cmd.SubjectType = command.SubjectDevice
	pairs, err = snap.Resolve(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "agent-a", pairs[0].AgentID)
}

func TestStaleSnapshotIsTransient(t *testing.T) {
	snap, err := Parse([]byte(sample))
	require.NoError(t, err)
	_, err = snap.Resolve(context.Background(), command.Command{Kind: command.KindDelete, SubjectType: command.SubjectDevice, PolicyVersion: 4})
	assert.True(t, errors.Is(err, ErrStaleSnapshot))
}

func TestBuildRejectsBadBindings(t *testing.T) {
	_, err := Build(1, []Binding{{AgentID: "a"}})
	assert.Error(t, err)
	_, err = Build(1, []Binding{{AgentID: "a", AssetGroupID: "g", Kinds: []string{"purge"}}})
	assert.Error(t, err)
	_, err = Build(1, []Binding{{AgentID: "a.b", AssetGroupID: "c"}, {AgentID: "a", AssetGroupID: "b.c"}})
	assert.ErrorIs(t, err, command.ErrInvalidIdentifier)
}

func TestStoreSwapKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	snap, err := LoadFile(path)
	require.NoError(t, err)

	s := NewStore(snap)
	older, _ := Build(2, nil)
	assert.False(t, s.Swap(older))
	newer, _ := Build(5, nil)
	assert.True(t, s.Swap(newer))
	assert.Equal(t, int64(5), s.Current().Version)
}
