package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/store/sqlite"
	"github.com/warp/wallet-ledger/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database must not fail on the schema.
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
}
