// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage exposes the cache's persisted tables over the kv engine.
// Every function takes an explicit transaction; transaction scope always
// belongs to the caller so a whole sync batch commits atomically.
package storage

import (
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/roost/storage/kv"
)

var syncTokenKey = []byte("next_sync_token")

// Database owns the store handle. It is created once at startup and handed
// to every component; see setup.
type Database struct {
	KV *kv.DB
}

// Open opens the cache store at path, running format migrations if needed.
func Open(path string) (*Database, error) {
	db, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	return &Database{KV: db}, nil
}

// Close tears down the store handle.
func (d *Database) Close() error {
	log.Debug("closing cache store")
	return d.KV.Close()
}

// SelectSyncToken returns the token the next sync should resume from, or ""
// for an initial sync.
func SelectSyncToken(r kv.Reader) (string, error) {
	val, ok, err := r.Get(kv.TableMeta, syncTokenKey)
	if err != nil || !ok {
		return "", err
	}
	return string(val), nil
}

// UpsertSyncToken records the resume token. Called inside the same
// transaction as the batch it belongs to.
func UpsertSyncToken(rw kv.ReadWriter, token string) error {
	return rw.Put(kv.TableMeta, syncTokenKey, []byte(token))
}
