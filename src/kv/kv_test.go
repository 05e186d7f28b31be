package kv_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/kv/kvtest"
)

var errNope = errors.New("nope")

func collect(t *testing.T, db *kv.DB, scan func(tx *kv.Tx, f func(string, []byte) error) error) []string {
	t.Helper()
	var keys []string
	err := db.View(context.Background(), func(tx *kv.Tx) error {
		return scan(tx, func(key string, value []byte) error {
			keys = append(keys, key)
			return nil
		})
	})
	require.NoError(t, err)
	return keys
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)

	t.Run("commit spans tables", func(t *testing.T) {
		err := db.Update(ctx, func(tx *kv.Tx) error {
			require.NoError(t, tx.Put(kv.TableUsers, "42", []byte("ben")))
			return tx.Put(kv.TableUsernames, "ben", []byte("42"))
		})
		require.NoError(t, err)

		err = db.View(ctx, func(tx *kv.Tx) error {
			v, ok, err := tx.Get(kv.TableUsers, "42")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "ben", string(v))
			has, err := tx.Has(kv.TableUsernames, "ben")
			require.NoError(t, err)
			assert.True(t, has)
			return nil
		})
		require.NoError(t, err)
	})
	t.Run("abort rolls back every table", func(t *testing.T) {
		err := db.Update(ctx, func(tx *kv.Tx) error {
			require.NoError(t, tx.Put(kv.TableUsers, "43", []byte("amy")))
			require.NoError(t, tx.Delete(kv.TableUsers, "42"))
			return kv.Abort(errNope)
		})
		assert.Equal(t, errNope, err)

		err = db.View(ctx, func(tx *kv.Tx) error {
			has, _ := tx.Has(kv.TableUsers, "43")
			assert.False(t, has)
			has, _ = tx.Has(kv.TableUsers, "42")
			assert.True(t, has)
			return nil
		})
		require.NoError(t, err)
	})
	t.Run("plain errors roll back too", func(t *testing.T) {
		err := db.Update(ctx, func(tx *kv.Tx) error {
			require.NoError(t, tx.Put(kv.TableUsers, "44", []byte("cy")))
			return errNope
		})
		assert.ErrorIs(t, err, errNope)
		assert.NotErrorIs(t, err, kv.ErrStorage)
	})
	t.Run("unknown table", func(t *testing.T) {
		err := db.Update(ctx, func(tx *kv.Tx) error {
			return tx.Put(kv.Table("nonsense"), "k", []byte("v"))
		})
		assert.ErrorIs(t, err, kv.ErrNoSuchTable)
		assert.ErrorIs(t, err, kv.ErrStorage)
	})
	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		ran := false
		err := db.Update(canceled, func(tx *kv.Tx) error {
			ran = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)
	})
}

func TestOnCommit(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)

	var committed []string
	err := db.Update(ctx, func(tx *kv.Tx) error {
		tx.OnCommit(func() { committed = append(committed, "kept") })
		assert.Empty(t, committed, "hooks wait for the commit")
		return tx.Put(kv.TableUsers, "1", []byte("amy"))
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(tx *kv.Tx) error {
		tx.OnCommit(func() { committed = append(committed, "aborted") })
		return kv.Abort(errNope)
	})
	assert.Equal(t, errNope, err)
	assert.Equal(t, []string{"kept"}, committed)
}

func TestJSON(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)

	type record struct {
		Name  string `json:"name"`
		Level int    `json:"level"`
	}

	require.NoError(t, db.Update(ctx, func(tx *kv.Tx) error {
		return tx.PutJSON(kv.TableComments, "a", record{Name: "a", Level: 2})
	}))
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		var r record
		ok, err := tx.GetJSON(kv.TableComments, "a", &r)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, record{Name: "a", Level: 2}, r)

		ok, err = tx.GetJSON(kv.TableComments, "b", &r)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))

	t.Run("corrupt", func(t *testing.T) {
		require.NoError(t, db.Update(ctx, func(tx *kv.Tx) error {
			return tx.Put(kv.TableComments, "bad", []byte("{not json"))
		}))
		err := db.View(ctx, func(tx *kv.Tx) error {
			var r record
			_, err := tx.GetJSON(kv.TableComments, "bad", &r)
			return err
		})
		assert.ErrorIs(t, err, kv.ErrStorage)
	})
}

func TestScans(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)

	keys := []string{"post:1:1/2:1", "post:1:1/2:3", "post:1:10/4:1", "post:1:1/3:2", "post:2:1/5:1", "z"}
	require.NoError(t, db.Update(ctx, func(tx *kv.Tx) error {
		for _, k := range keys {
			if err := tx.Put(kv.TableCommentTrees, k, []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	t.Run("prefix", func(t *testing.T) {
		got := collect(t, db, func(tx *kv.Tx, f func(string, []byte) error) error {
			return tx.ScanPrefix(kv.TableCommentTrees, "post:1:1/", f)
		})
		assert.Equal(t, []string{"post:1:1/2:1", "post:1:1/2:3", "post:1:1/3:2"}, got)
	})
	t.Run("prefix reverse", func(t *testing.T) {
		got := collect(t, db, func(tx *kv.Tx, f func(string, []byte) error) error {
			return tx.ScanPrefixReverse(kv.TableCommentTrees, "post:1:1/", f)
		})
		assert.Equal(t, []string{"post:1:1/3:2", "post:1:1/2:3", "post:1:1/2:1"}, got)
	})
	t.Run("prefix reverse at end of table", func(t *testing.T) {
		got := collect(t, db, func(tx *kv.Tx, f func(string, []byte) error) error {
			return tx.ScanPrefixReverse(kv.TableCommentTrees, "z", f)
		})
		assert.Equal(t, []string{"z"}, got)
	})
	t.Run("prefix with no matches", func(t *testing.T) {
		got := collect(t, db, func(tx *kv.Tx, f func(string, []byte) error) error {
			return tx.ScanPrefixReverse(kv.TableCommentTrees, "post:9:", f)
		})
		assert.Empty(t, got)
	})
	t.Run("range up to", func(t *testing.T) {
		got := collect(t, db, func(tx *kv.Tx, f func(string, []byte) error) error {
			return tx.RangeUpTo(kv.TableCommentTrees, "post:1:1/2:3", f)
		})
		assert.Equal(t, []string{"post:1:1/2:1", "post:1:1/2:3"}, got)
	})
	t.Run("stop early", func(t *testing.T) {
		var seen int
		err := db.View(ctx, func(tx *kv.Tx) error {
			return tx.ScanPrefix(kv.TableCommentTrees, "post:", func(key string, value []byte) error {
				seen++
				return kv.ErrStopScan
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 1, seen)
	})
}

func TestNextSequence(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)

	next := func(key string) uint64 {
		var n uint64
		require.NoError(t, db.Update(ctx, func(tx *kv.Tx) error {
			var err error
			n, err = tx.NextSequence(key)
			return err
		}))
		return n
	}

	assert.Equal(t, uint64(1), next("comment:post:1:1"))
	assert.Equal(t, uint64(2), next("comment:post:1:1"))
	assert.Equal(t, uint64(1), next("comment:post:1:2"))

	t.Run("aborted transactions do not consume numbers", func(t *testing.T) {
		err := db.Update(ctx, func(tx *kv.Tx) error {
			_, err := tx.NextSequence("comment:post:1:1")
			require.NoError(t, err)
			return kv.Abort(errNope)
		})
		assert.Equal(t, errNope, err)
		assert.Equal(t, uint64(3), next("comment:post:1:1"))
	})
	t.Run("concurrent", func(t *testing.T) {
		const n = 50
		results := make(chan uint64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- next("comment:post:3:1")
			}()
		}
		wg.Wait()
		close(results)

		seen := map[uint64]bool{}
		for r := range results {
			assert.False(t, seen[r], "duplicate sequence %d", r)
			seen[r] = true
		}
		for i := uint64(1); i <= n; i++ {
			assert.True(t, seen[i], "missing sequence %d", i)
		}
	})
}
