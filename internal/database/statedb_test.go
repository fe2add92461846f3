package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitSQLiteDB(filepath.Join(t.TempDir(), "state.db")))
}

func TestServerStatLifecycle(t *testing.T) {
	initTestDB(t)

	require.NoError(t, RecordServerConnected("electrum.example.com", 50002, 700000))
	require.NoError(t, RecordServerConnected("electrum.example.com", 50002, 700005))
	require.NoError(t, RecordServerConnected("electrum.example.com", 50002, 699999))
	require.NoError(t, RecordServerDisconnected("electrum.example.com", 50002))
	require.NoError(t, RecordServerDisconnected("other.example.com", 50002))

	stats, err := ServerStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	require.Equal(t, "electrum.example.com", stats[0].Host)
	require.EqualValues(t, 700005, stats[0].BestHeightSeen)
	require.EqualValues(t, 1, stats[0].DisconnectCount)
	require.NotNil(t, stats[0].LastConnected)

	require.Equal(t, "other.example.com", stats[1].Host)
	require.EqualValues(t, 1, stats[1].DisconnectCount)
	require.Nil(t, stats[1].LastConnected)
}

func TestChainCheckpointIsMonotonic(t *testing.T) {
	initTestDB(t)

	height, hash, err := GetChainCheckpoint("mainnet")
	require.NoError(t, err)
	require.Zero(t, height)
	require.Empty(t, hash)

	require.NoError(t, SetChainCheckpoint("mainnet", 700000, "aa"))
	require.NoError(t, SetChainCheckpoint("mainnet", 699999, "bb"))

	height, hash, err = GetChainCheckpoint("mainnet")
	require.NoError(t, err)
	require.EqualValues(t, 700000, height)
	require.Equal(t, "aa", hash)

	require.NoError(t, SetChainCheckpoint("mainnet", 700001, "cc"))
	height, _, err = GetChainCheckpoint("mainnet")
	require.NoError(t, err)
	require.EqualValues(t, 700001, height)
}
