// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// roost-inspect opens a cache store offline and dumps its contents for
// debugging. The owning client must not be running against the same store.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/fulltext"
	"github.com/element-hq/roost/storage"
)

var (
	storePath = flag.String("store", "", "path to the cache store directory (required)")
	roomID    = flag.String("room", "", "dump one room in detail instead of the room list")
	reindex   = flag.Bool("reindex", false, "rebuild the search index from the stored timelines")
	indexPath = flag.String("index", "", "search index path, used with -reindex")
)

func main() {
	flag.Parse()
	if *storePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	db, err := storage.Open(*storePath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open cache store")
	}
	defer db.Close() // nolint: errcheck

	version, err := db.KV.StoreFormatVersion()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read store format version")
	}
	fmt.Printf("store format version: %d\n", version)

	switch {
	case *reindex:
		runReindex(db)
	case *roomID != "":
		dumpRoom(db, *roomID)
	default:
		dumpRooms(db)
	}
}

func runReindex(db *storage.Database) {
	if *indexPath == "" {
		logrus.Fatal("-reindex requires -index")
	}
	search, err := fulltext.New(*indexPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open search index")
	}
	defer search.Close() // nolint: errcheck
	if err := search.Reindex(db); err != nil {
		logrus.WithError(err).Fatal("Reindex failed")
	}
}

func dumpRooms(db *storage.Database) {
	txn, err := db.KV.NewReadTxn()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open read transaction")
	}
	defer txn.Close() // nolint: errcheck

	token, err := storage.SelectSyncToken(txn)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read sync token")
	}
	fmt.Printf("next sync token: %q\n", token)

	rooms, err := storage.SelectAllRooms(txn)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to list rooms")
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	fmt.Printf("%d rooms:\n", len(rooms))
	for _, rec := range rooms {
		latest, err := storage.SelectLatestSeq(txn, rec.RoomID)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to read timeline")
		}
		fmt.Printf("  %s membership=%s events=%d direct=%t last_activity=%d\n",
			rec.RoomID, rec.Membership, latest, rec.IsDirect, rec.LastActivityTS)
	}
}

func dumpRoom(db *storage.Database, roomID string) {
	txn, err := db.KV.NewReadTxn()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open read transaction")
	}
	defer txn.Close() // nolint: errcheck

	rec, ok, err := storage.SelectRoom(txn, roomID)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read room")
	}
	if !ok {
		logrus.WithField("room_id", roomID).Fatal("Room not in store")
	}
	fmt.Printf("room %s\n", rec.RoomID)
	fmt.Printf("  membership:  %s\n", rec.Membership)
	fmt.Printf("  prev_batch:  %q\n", rec.PrevBatch)
	fmt.Printf("  next_batch:  %q\n", rec.NextBatch)
	fmt.Printf("  read_marker: %q\n", rec.ReadMarkerEventID)

	state, err := storage.SelectAllState(txn, roomID)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read room state")
	}
	fmt.Printf("  %d state events:\n", len(state))
	tuples := make([]string, 0, len(state))
	byLabel := make(map[string]string, len(state))
	for tuple, ev := range state {
		label := fmt.Sprintf("%s %q", tuple.EventType, tuple.StateKey)
		tuples = append(tuples, label)
		byLabel[label] = ev.EventID()
	}
	sort.Strings(tuples)
	for _, label := range tuples {
		fmt.Printf("    %-50s %s\n", label, byLabel[label])
	}

	it, err := storage.NewTimelineIter(txn, roomID)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open timeline")
	}
	defer it.Close() // nolint: errcheck
	fmt.Println("  timeline (oldest first):")
	for valid := it.First(); valid; valid = it.Next() {
		fmt.Printf("    %s\n", it.Value())
	}
	if gap, found, err := storage.SelectGapInRange(txn, roomID, 0, ^uint64(0)); err == nil && found {
		fmt.Printf("  newest gap: before seq %d, backfill from %q\n", gap.Seq, gap.PrevBatch)
	}
}
