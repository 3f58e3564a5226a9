// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/roost/types"
)

// FormatVersion is the on-disk schema version written by this build.
const FormatVersion uint64 = 1

var formatVersionKey = []byte("format_version")

// migrations maps a source version to the step that lifts the store to
// version+1. Each step runs in its own write transaction and is logged.
var migrations = map[uint64]func(ReadWriter) error{}

// StoreFormatVersion reads the stamped on-disk format version.
func (d *DB) StoreFormatVersion() (uint64, error) {
	txn, err := d.NewReadTxn()
	if err != nil {
		return 0, err
	}
	defer txn.Close() // nolint: errcheck
	val, ok, err := txn.Get(TableMeta, formatVersionKey)
	if err != nil {
		return 0, err
	}
	if !ok || len(val) != 8 {
		return 0, errors.Wrap(types.ErrDecode, "missing format version")
	}
	return binary.BigEndian.Uint64(val), nil
}

func (d *DB) checkFormatVersion() error {
	txn, err := d.NewWriteTxn()
	if err != nil {
		return err
	}
	val, ok, err := txn.Get(TableMeta, formatVersionKey)
	if err != nil {
		txn.Abort()
		return err
	}
	if !ok {
		// Fresh store: stamp the current version.
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, FormatVersion)
		if err := txn.Put(TableMeta, formatVersionKey, buf); err != nil {
			txn.Abort()
			return err
		}
		return txn.Commit()
	}
	txn.Abort()

	if len(val) != 8 {
		return errors.Wrap(types.ErrDecode, "malformed format version")
	}
	version := binary.BigEndian.Uint64(val)
	switch {
	case version == FormatVersion:
		return nil
	case version > FormatVersion:
		return errors.Wrapf(types.ErrIncompatibleStoreVersion,
			"on-disk version %d, this build supports %d", version, FormatVersion)
	}

	for version < FormatVersion {
		step, ok := migrations[version]
		if !ok {
			return errors.Wrapf(types.ErrIncompatibleStoreVersion,
				"no migration path from version %d", version)
		}
		log.WithFields(log.Fields{
			"from": version,
			"to":   version + 1,
		}).Info("migrating cache store format")
		txn, err := d.NewWriteTxn()
		if err != nil {
			return err
		}
		if err := step(txn); err != nil {
			txn.Abort()
			return err
		}
		version++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, version)
		if err := txn.Put(TableMeta, formatVersionKey, buf); err != nil {
			txn.Abort()
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}
