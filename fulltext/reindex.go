// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package fulltext

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

const reindexBatchSize = 500

// Reindex rebuilds the search index from every stored room timeline. It
// reads from a single store snapshot, so ingest can continue concurrently;
// events applied after the snapshot are picked up by normal ingest-time
// indexing.
func (s *Search) Reindex(db *storage.Database) error {
	start := time.Now()

	txn, err := db.KV.NewReadTxn()
	if err != nil {
		return err
	}
	defer txn.Close() // nolint: errcheck

	rooms, err := storage.SelectAllRooms(txn)
	if err != nil {
		return err
	}

	batch := s.index.NewBatch()
	indexed := 0
	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := s.index.Batch(batch); err != nil {
			return err
		}
		batch.Reset()
		return nil
	}

	for _, rec := range rooms {
		it, err := storage.NewTimelineIter(txn, rec.RoomID)
		if err != nil {
			return err
		}
		for valid := it.First(); valid; valid = it.Next() {
			ev, err := types.NewEventFromBytes(it.Value())
			if err != nil {
				// A stored event that no longer parses is an index concern
				// only; the authoritative copy stays untouched.
				logrus.WithError(err).WithField("room_id", rec.RoomID).Warn("Skipping unparseable stored event")
				continue
			}
			if ev.Type() != "m.room.message" || ev.Redacted() {
				continue
			}
			body := ev.ContentField("body").String()
			if body == "" {
				continue
			}
			if err := batch.Index(ev.EventID(), indexElement{
				RoomID:  rec.RoomID,
				Content: body,
			}); err != nil {
				it.Close() // nolint: errcheck
				return err
			}
			indexed++
			if batch.Size() >= reindexBatchSize {
				if err := flush(); err != nil {
					it.Close() // nolint: errcheck
					return err
				}
			}
		}
		if err := it.Close(); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"events":  indexed,
		"rooms":   len(rooms),
		"elapsed": time.Since(start),
	}).Info("Rebuilt search index")
	return nil
}
