package kvtest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"grimstack.io/grim/src/kv"
)

// OpenTemp opens a fresh store in a temporary directory and closes it when
// the test finishes.
func OpenTemp(t testing.TB) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "grim-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
