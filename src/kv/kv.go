package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/oops"
)

// ErrStorage marks failures of the store itself (I/O, a corrupt record, a
// missing table) as opposed to a caller deciding to abort.
var ErrStorage = errors.New("storage failure")

var ErrNoSuchTable = errors.New("no such table")

// Returned from a scan callback to stop the scan early without an error.
var ErrStopScan = errors.New("stop scan")

type DB struct {
	bolt *bbolt.DB
}

func Open(path string) (*DB, error) {
	bolt, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, oops.New(storageErr(err), "failed to open database at %s", path)
	}

	err = bolt.Update(func(btx *bbolt.Tx) error {
		for _, table := range AllTables {
			if _, err := btx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return oops.New(err, "failed to create table %s", table)
			}
		}
		return nil
	})
	if err != nil {
		bolt.Close()
		return nil, oops.New(storageErr(err), "failed to initialize tables")
	}

	logging.Info().Str("path", path).Msg("Opened database")
	return &DB{bolt: bolt}, nil
}

func (db *DB) Close() error {
	if err := db.bolt.Close(); err != nil {
		return oops.New(storageErr(err), "failed to close database")
	}
	return nil
}

func (db *DB) Path() string {
	return db.bolt.Path()
}

type abortError struct {
	reason error
}

func (e *abortError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.reason)
}

func (e *abortError) Unwrap() error {
	return e.reason
}

// Abort wraps the reason a transaction closure is giving up. Update and View
// roll back and return reason unchanged.
func Abort(reason error) error {
	return &abortError{reason: reason}
}

// Update runs f in a single read-write transaction spanning every table. If f
// returns an error, nothing f wrote is persisted. f may be invoked again by a
// future store implementation, so it must not have side effects outside tx.
func (db *DB) Update(ctx context.Context, f func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fErr error
	err := db.bolt.Update(func(btx *bbolt.Tx) error {
		fErr = f(&Tx{btx: btx})
		return fErr
	})
	return txResult(err, fErr)
}

// View runs f in a read-only transaction with a consistent snapshot of every
// table.
func (db *DB) View(ctx context.Context, f func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fErr error
	err := db.bolt.View(func(btx *bbolt.Tx) error {
		fErr = f(&Tx{btx: btx})
		return fErr
	})
	return txResult(err, fErr)
}

func txResult(err, fErr error) error {
	if fErr != nil {
		var abort *abortError
		if errors.As(fErr, &abort) {
			return abort.reason
		}
		return fErr
	}
	if err != nil {
		// f succeeded, so this came from bbolt itself (usually the commit).
		return oops.New(storageErr(err), "transaction failed")
	}
	return nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// A Tx is a view of every table inside one transaction. It must not be used
// after the closure it was passed to returns, and must not be shared between
// goroutines.
type Tx struct {
	btx *bbolt.Tx
}

func (tx *Tx) Writable() bool {
	return tx.btx.Writable()
}

// OnCommit registers f to run after the transaction commits. f never runs if
// the transaction is rolled back.
func (tx *Tx) OnCommit(f func()) {
	tx.btx.OnCommit(f)
}

func (tx *Tx) bucket(table Table) (*bbolt.Bucket, error) {
	b := tx.btx.Bucket([]byte(table))
	if b == nil {
		return nil, oops.New(fmt.Errorf("%w: %w", ErrStorage, ErrNoSuchTable), "table %s does not exist", table)
	}
	return b, nil
}

// Get returns a copy of the value stored at key, and whether it was present.
func (tx *Tx) Get(table Table, key string) ([]byte, bool, error) {
	b, err := tx.bucket(table)
	if err != nil {
		return nil, false, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (tx *Tx) Has(table Table, key string) (bool, error) {
	b, err := tx.bucket(table)
	if err != nil {
		return false, err
	}
	return b.Get([]byte(key)) != nil, nil
}

func (tx *Tx) Put(table Table, key string, value []byte) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if err := b.Put([]byte(key), value); err != nil {
		return oops.New(storageErr(err), "failed to write %s[%s]", table, key)
	}
	return nil
}

// Delete removes key from table. Deleting a missing key is not an error.
func (tx *Tx) Delete(table Table, key string) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	if err := b.Delete([]byte(key)); err != nil {
		return oops.New(storageErr(err), "failed to delete %s[%s]", table, key)
	}
	return nil
}

func (tx *Tx) GetJSON(table Table, key string, dest any) (bool, error) {
	raw, ok, err := tx.Get(table, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, oops.New(storageErr(err), "corrupt record at %s[%s]", table, key)
	}
	return true, nil
}

func (tx *Tx) PutJSON(table Table, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return oops.New(err, "failed to encode record for %s[%s]", table, key)
	}
	return tx.Put(table, key, raw)
}

// ScanPrefix calls f for every key starting with prefix, in ascending key
// order. f must not write to the table being scanned; collect keys and write
// after the scan instead.
func (tx *Tx) ScanPrefix(table Table, prefix string, f func(key string, value []byte) error) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	p := []byte(prefix)
	c := b.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := f(string(k), bytes.Clone(v)); err != nil {
			return stopOrErr(err)
		}
	}
	return nil
}

// ScanPrefixReverse is ScanPrefix in descending key order.
func (tx *Tx) ScanPrefixReverse(table Table, prefix string, f func(key string, value []byte) error) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	p := []byte(prefix)
	c := b.Cursor()

	var k, v []byte
	if after := prefixSuccessor(p); after == nil {
		k, v = c.Last()
	} else if k, v = c.Seek(after); k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Prev() {
		if err := f(string(k), bytes.Clone(v)); err != nil {
			return stopOrErr(err)
		}
	}
	return nil
}

// RangeUpTo calls f for every key less than or equal to upper, in ascending
// order.
func (tx *Tx) RangeUpTo(table Table, upper string, f func(key string, value []byte) error) error {
	b, err := tx.bucket(table)
	if err != nil {
		return err
	}
	u := []byte(upper)
	c := b.Cursor()
	for k, v := c.First(); k != nil && bytes.Compare(k, u) <= 0; k, v = c.Next() {
		if err := f(string(k), bytes.Clone(v)); err != nil {
			return stopOrErr(err)
		}
	}
	return nil
}

// NextSequence increments the counter stored under counterKey and returns the
// new value. Counters start at 1. Because the increment happens inside the
// caller's transaction, an aborted transaction does not consume a number.
func (tx *Tx) NextSequence(counterKey string) (uint64, error) {
	raw, ok, err := tx.Get(TableIDCounter, counterKey)
	if err != nil {
		return 0, err
	}
	var current uint64
	if ok {
		if len(raw) != 8 {
			return 0, oops.New(ErrStorage, "counter %s has a malformed value", counterKey)
		}
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	if err := tx.Put(TableIDCounter, counterKey, binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return 0, err
	}
	return next, nil
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// Returns the smallest key greater than every key with the given prefix, or
// nil if there is none.
func prefixSuccessor(prefix []byte) []byte {
	succ := bytes.Clone(prefix)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] < 0xff {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}
