package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(dir, "ledger.bolt"))
	require.NoError(t, err)
	dbs := map[string]Database{
		BackendMemory:  NewMemDB(),
		BackendLevelDB: level,
		BackendBolt:    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseContract(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, db.Put([]byte("acct:b"), []byte("2")))
			require.NoError(t, db.Put([]byte("acct:a"), []byte("1")))
			require.NoError(t, db.Put([]byte("xfer:a"), []byte("x")))

			value, err := db.Get([]byte("acct:a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), value)

			var keys []string
			require.NoError(t, db.Iterate([]byte("acct:"), func(key, _ []byte) error {
				keys = append(keys, string(key))
				return nil
			}))
			require.Equal(t, []string{"acct:a", "acct:b"}, keys)

			batch := new(Batch)
			batch.Put([]byte("acct:c"), []byte("3"))
			batch.Delete([]byte("acct:a"))
			require.Equal(t, 2, batch.Len())
			require.NoError(t, db.Write(batch))

			_, err = db.Get([]byte("acct:a"))
			require.True(t, errors.Is(err, ErrNotFound))
			value, err = db.Get([]byte("acct:c"))
			require.NoError(t, err)
			require.Equal(t, []byte("3"), value)

			require.NoError(t, db.Delete([]byte("xfer:a")))
			_, err = db.Get([]byte("xfer:a"))
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestOpenBackends(t *testing.T) {
	db, err := Open("", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	_, err = Open("cassandra", "")
	require.Error(t, err)

	_, err = Open(BackendBolt, "")
	require.Error(t, err)
}
