// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

import (
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/roost/types"
)

// DB is the process-wide store handle. It is opened once at startup, shared
// by every component, and closed once at shutdown; nothing else touches the
// underlying files.
type DB struct {
	db *pebble.DB

	// writeMu serialises writers: a write transaction is exclusive from
	// NewWriteTxn until Commit or Abort.
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Open opens (creating if necessary) the store at path and verifies the
// on-disk format version, running migrations for older formats. A newer
// format fails with types.ErrIncompatibleStoreVersion.
func Open(path string) (*DB, error) {
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(types.ErrStoreIO, err.Error())
	}
	d := &DB{db: pdb}
	if err := d.checkFormatVersion(); err != nil {
		_ = pdb.Close()
		return nil, err
	}
	log.WithField("path", path).Debug("opened cache store")
	return d, nil
}

// Close tears the store down. In-flight read transactions must be closed
// first; a writer must not be active.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

// NewWriteTxn begins the exclusive write transaction. It blocks while
// another writer is active. The transaction runs to Commit or Abort; there
// is no partial cancel.
func (d *DB) NewWriteTxn() (*WriteTxn, error) {
	if d.closed.Load() {
		return nil, errors.Wrap(types.ErrStoreIO, "store is closed")
	}
	d.writeMu.Lock()
	return &WriteTxn{
		db:    d,
		batch: d.db.NewIndexedBatch(),
	}, nil
}

// NewReadTxn begins a read transaction against the last committed snapshot.
// Readers never block each other or the writer.
func (d *DB) NewReadTxn() (*ReadTxn, error) {
	if d.closed.Load() {
		return nil, errors.Wrap(types.ErrStoreIO, "store is closed")
	}
	return &ReadTxn{snap: d.db.NewSnapshot()}, nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// WriteTxn buffers writes in a pebble indexed batch: reads within the
// transaction observe its own writes, commit is atomic all-or-nothing.
type WriteTxn struct {
	db    *DB
	batch *pebble.Batch
	done  bool
}

func (t *WriteTxn) Get(table Table, key []byte) ([]byte, bool, error) {
	return get(t.batch, table, key)
}

func (t *WriteTxn) NewIter(table Table, lo, hi []byte) (*Iterator, error) {
	return newIter(t.batch, table, lo, hi)
}

func (t *WriteTxn) Put(table Table, key, value []byte) error {
	if err := t.batch.Set(tableKey(table, key), value, nil); err != nil {
		return errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

func (t *WriteTxn) Delete(table Table, key []byte) error {
	if err := t.batch.Delete(tableKey(table, key), nil); err != nil {
		return errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}

// Commit applies the batch durably. On failure the store keeps its prior
// state and the error wraps types.ErrStoreIO.
func (t *WriteTxn) Commit() error {
	if t.done {
		return errors.Wrap(types.ErrStoreIO, "transaction already finished")
	}
	t.done = true
	err := t.batch.Commit(pebble.Sync)
	closeErr := t.batch.Close()
	t.db.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(types.ErrStoreIO, err.Error())
	}
	if closeErr != nil {
		return errors.Wrap(types.ErrStoreIO, closeErr.Error())
	}
	return nil
}

// Abort discards every write in the transaction.
func (t *WriteTxn) Abort() {
	if t.done {
		return
	}
	t.done = true
	_ = t.batch.Close()
	t.db.writeMu.Unlock()
}

// ReadTxn reads from a consistent snapshot of the last commit.
type ReadTxn struct {
	snap *pebble.Snapshot
}

func (t *ReadTxn) Get(table Table, key []byte) ([]byte, bool, error) {
	return get(t.snap, table, key)
}

func (t *ReadTxn) NewIter(table Table, lo, hi []byte) (*Iterator, error) {
	return newIter(t.snap, table, lo, hi)
}

// Close releases the snapshot.
func (t *ReadTxn) Close() error {
	return t.snap.Close()
}

func get(r pebbleReader, table Table, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(tableKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(types.ErrStoreIO, err.Error())
	}
	out := append([]byte{}, val...)
	if err := closer.Close(); err != nil {
		return nil, false, errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return out, true, nil
}

func newIter(r pebbleReader, table Table, lo, hi []byte) (*Iterator, error) {
	lower := tableKey(table, lo)
	var upper []byte
	if hi == nil {
		upper = []byte{byte(table) + 1}
	} else {
		upper = tableKey(table, hi)
	}
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return &Iterator{it: it, table: table}, nil
}

func tableKey(table Table, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(table)
	copy(out[1:], key)
	return out
}

// Iterator is a restartable range cursor. Keys are returned without the
// table prefix and are only valid until the next positioning call.
type Iterator struct {
	it    *pebble.Iterator
	table Table
}

func (i *Iterator) First() bool          { return i.it.First() }
func (i *Iterator) Last() bool           { return i.it.Last() }
func (i *Iterator) Next() bool           { return i.it.Next() }
func (i *Iterator) Prev() bool           { return i.it.Prev() }
func (i *Iterator) Valid() bool          { return i.it.Valid() }
func (i *Iterator) SeekGE(k []byte) bool { return i.it.SeekGE(tableKey(i.table, k)) }
func (i *Iterator) SeekLT(k []byte) bool { return i.it.SeekLT(tableKey(i.table, k)) }

// Key returns the logical key, without the table prefix.
func (i *Iterator) Key() []byte {
	k := i.it.Key()
	if len(k) == 0 {
		return nil
	}
	return k[1:]
}

func (i *Iterator) Value() []byte { return i.it.Value() }

func (i *Iterator) Close() error {
	if err := i.it.Close(); err != nil {
		return errors.Wrap(types.ErrStoreIO, err.Error())
	}
	return nil
}
