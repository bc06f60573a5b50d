package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeAgents(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestStoreLoads(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    name: Alice
    target_wallet: "0xWhaleA"
    protection: moderate
  - id: agent-2
    name: Bob
    target_wallet: "0xwhaleB"
    protection: guarded
    copy_ratio: 0.2
`)
	store, err := NewStore(path)
	require.NoError(t, err)

	cfg, ok := store.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "Alice", cfg.Name)
	require.Equal(t, 3, cfg.RetryLimit) // moderate preset

	cfg2, ok := store.Get("agent-2")
	require.True(t, ok)
	require.Equal(t, "0.2", cfg2.CopyRatio.String()) // explicit beats preset

	require.Len(t, store.All(), 2)
	require.ElementsMatch(t, []string{"0xwhalea", "0xwhaleb"}, store.Wallets())
}

func TestStoreFollowersOf(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    target_wallet: "0xWhaleA"
    protection: moderate
  - id: agent-2
    target_wallet: "0xWHALEA"
    protection: degen
`)
	store, err := NewStore(path)
	require.NoError(t, err)

	followers := store.FollowersOf("0xwhalea")
	require.Len(t, followers, 2)
	require.Empty(t, store.FollowersOf("0xother"))
}

func TestStoreSkipsDisabledAgents(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    target_wallet: "0xWhaleA"
    protection: moderate
  - id: agent-2
    target_wallet: "0xWhaleA"
    protection: moderate
    disabled: true
`)
	store, err := NewStore(path)
	require.NoError(t, err)

	require.Len(t, store.All(), 1)
	_, ok := store.Get("agent-2")
	require.False(t, ok)
}

func TestStoreRejectsDuplicateIDs(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    target_wallet: "0xA"
    protection: moderate
  - id: agent-1
    target_wallet: "0xB"
    protection: moderate
`)
	_, err := NewStore(path)
	require.Error(t, err)
}

func TestStoreRejectsInvalidAgent(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    target_wallet: "0xA"
    copy_ratio: 2.5
    protection: moderate
`)
	_, err := NewStore(path)
	require.Error(t, err)
}

func TestStoreMissingFile(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestStoreReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := writeAgents(t, `
agents:
  - id: agent-1
    target_wallet: "0xA"
    protection: moderate
`)
	store, err := NewStore(path)
	require.NoError(t, err)

	// Corrupt the file; an explicit reload fails but the snapshot survives.
	require.NoError(t, os.WriteFile(path, []byte("agents: [broken"), 0o644))
	require.Error(t, store.reload())

	_, ok := store.Get("agent-1")
	require.True(t, ok)
}
