package accountstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"), "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountRoundtrip(t *testing.T) {
	store := openTestStore(t)

	blob, err := store.LoadAccount("alice")
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, store.SaveAccount("alice", []byte("v1"), true))
	blob, err = store.LoadAccount("alice")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), blob)

	require.NoError(t, store.SaveAccount("alice", []byte("v2"), false))
	blob, err = store.LoadAccount("alice")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), blob)
}

func TestSessionsKeepInsertionOrder(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AppendSession("bob", "DEV1", "s1", []byte("one")))
	require.NoError(t, store.AppendSession("bob", "DEV1", "s2", []byte("two")))
	require.NoError(t, store.AppendSession("carol", "DEV2", "s3", []byte("three")))

	rows, err := store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "s1", rows[0].SessionID)
	require.Equal(t, "s2", rows[1].SessionID)
	require.Equal(t, "s3", rows[2].SessionID)
	require.Equal(t, "carol", rows[2].UserID)
}

func TestUpdateSession(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AppendSession("bob", "DEV1", "s1", []byte("old")))
	require.NoError(t, store.UpdateSession("bob", "DEV1", "s1", []byte("new")))

	rows, err := store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []byte("new"), rows[0].Blob)
}

func TestInboundGroupSessions(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AppendInboundGroupSession("room1", "g1", []byte("one")))
	require.NoError(t, store.AppendInboundGroupSession("room1", "g2", []byte("two")))
	require.NoError(t, store.UpdateInboundGroupSession("room1", "g1", []byte("advanced")))

	rows, err := store.LoadInboundGroupSessions()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "g1", rows[0].SessionID)
	require.Equal(t, []byte("advanced"), rows[0].Blob)
	require.Equal(t, "g2", rows[1].SessionID)
}

func TestWrongPassphraseDoesNotOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	store, err := Open(path, "right")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount("alice", []byte("secret"), true))
	require.NoError(t, store.Close())

	wrong, err := Open(path, "wrong")
	if err != nil {
		return
	}
	defer wrong.Close()
	_, err = wrong.LoadAccount("alice")
	require.Error(t, err)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	store, err := Open(path, "pw")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount("alice", []byte("durable"), true))
	require.NoError(t, store.Close())

	store, err = Open(path, "pw")
	require.NoError(t, err)
	defer store.Close()

	blob, err := store.LoadAccount("alice")
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), blob)
}
