// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package query is the read-only API the application layer consumes. Every
// operation runs against a store snapshot: queries never block the writer,
// each other, or observe a half-applied batch.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/element-hq/roost/roomstate"
	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/storage/kv"
	"github.com/element-hq/roost/types"
)

// Searcher is the full-text index read surface. Nil when search is
// disabled.
type Searcher interface {
	Search(term, roomID string, limit int) ([]types.MessageMatch, error)
}

// Queries serves the UI collaborator. All methods are safe for concurrent
// use.
type Queries struct {
	db          *storage.Database
	tracker     *roomstate.Tracker
	typing      *roomstate.TypingCache
	searcher    Searcher
	localUserID string
}

// NewQueries wires the query layer. searcher may be nil.
func NewQueries(db *storage.Database, tracker *roomstate.Tracker, typing *roomstate.TypingCache, searcher Searcher, localUserID string) *Queries {
	return &Queries{
		db:          db,
		tracker:     tracker,
		typing:      typing,
		searcher:    searcher,
		localUserID: localUserID,
	}
}

// TimelineSlice returns up to limit events walking from anchor in the given
// direction. Backward slices include the anchor event; forward slices start
// just after it. anchor == types.AnchorLatest starts at the newest stored
// event.
//
// When the walk would cross a known gap, the events gathered so far are
// returned together with a *types.BackfillNeeded error carrying the token
// to fetch from, never a silently truncated result.
func (q *Queries) TimelineSlice(roomID, anchor string, dir types.Direction, limit int) ([]*types.Event, error) {
	start := time.Now()
	defer func() { querySeconds.WithLabelValues("timeline_slice").Observe(time.Since(start).Seconds()) }()

	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck

	var startSeq uint64
	if anchor == types.AnchorLatest {
		if startSeq, err = storage.SelectLatestSeq(txn, roomID); err != nil {
			return nil, err
		}
		if startSeq == 0 {
			return nil, nil
		}
		if dir == types.Forwards {
			return nil, nil
		}
	} else {
		seq, ok, err := storage.SelectEventSeq(txn, roomID, anchor)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("unknown anchor event %q in %s", anchor, roomID)
		}
		startSeq = seq
	}

	if dir == types.Backwards {
		return q.sliceBackwards(txn, roomID, startSeq, limit)
	}
	return q.sliceForwards(txn, roomID, startSeq, limit)
}

func (q *Queries) sliceBackwards(txn *kv.ReadTxn, roomID string, startSeq uint64, limit int) ([]*types.Event, error) {
	var events []*types.Event
	for seq := startSeq; seq >= 1 && len(events) < limit; seq-- {
		ev, err := storage.SelectTimelineEvent(txn, roomID, seq)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
		// A gap at seq means the history older than this event is not
		// contiguous with what we hold.
		if len(events) < limit {
			if gap, ok, err := q.gapAt(txn, roomID, seq); err != nil {
				return nil, err
			} else if ok {
				return events, &types.BackfillNeeded{RoomID: roomID, Token: gap.PrevBatch}
			}
		}
	}
	if len(events) < limit {
		// Ran out of stored history; older events start from the room's
		// oldest-known token.
		if rec, ok, err := storage.SelectRoom(txn, roomID); err != nil {
			return nil, err
		} else if ok && rec.PrevBatch != "" {
			return events, &types.BackfillNeeded{RoomID: roomID, Token: rec.PrevBatch}
		}
	}
	return events, nil
}

func (q *Queries) sliceForwards(txn *kv.ReadTxn, roomID string, startSeq uint64, limit int) ([]*types.Event, error) {
	latest, err := storage.SelectLatestSeq(txn, roomID)
	if err != nil {
		return nil, err
	}
	var events []*types.Event
	for seq := startSeq + 1; seq <= latest && len(events) < limit; seq++ {
		// Crossing into seq is crossing any gap recorded at seq.
		if gap, ok, err := q.gapAt(txn, roomID, seq); err != nil {
			return nil, err
		} else if ok {
			return events, &types.BackfillNeeded{RoomID: roomID, Token: gap.PrevBatch}
		}
		ev, err := storage.SelectTimelineEvent(txn, roomID, seq)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (q *Queries) gapAt(txn *kv.ReadTxn, roomID string, seq uint64) (*types.GapRecord, bool, error) {
	if seq == 0 {
		return nil, false, nil
	}
	return storage.SelectGapInRange(txn, roomID, seq-1, seq)
}

// UnreadSummary returns the room's unread counters. A point lookup, never a
// scan.
func (q *Queries) UnreadSummary(roomID string) (types.UnreadCounts, error) {
	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return types.UnreadCounts{}, err
	}
	defer txn.Close() // nolint: errcheck

	counts, err := storage.SelectNotificationCounts(txn, roomID)
	if err != nil {
		return types.UnreadCounts{}, err
	}
	return types.UnreadCounts{
		Notifications: counts.NotificationCount,
		Highlights:    counts.HighlightCount,
	}, nil
}

// RoomsByActivity lists every room ordered by most recent activity, newest
// first, ties broken by room ID so the ordering is stable.
func (q *Queries) RoomsByActivity() ([]types.RoomSummary, error) {
	start := time.Now()
	defer func() { querySeconds.WithLabelValues("rooms_by_activity").Observe(time.Since(start).Seconds()) }()

	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck

	recs, err := storage.SelectAllRooms(txn)
	if err != nil {
		return nil, err
	}
	summaries := make([]types.RoomSummary, 0, len(recs))
	for _, rec := range recs {
		name, err := q.tracker.RoomName(txn, rec.RoomID)
		if err != nil {
			return nil, err
		}
		counts, err := storage.SelectNotificationCounts(txn, rec.RoomID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, types.RoomSummary{
			RoomID:         rec.RoomID,
			Name:           name,
			Membership:     rec.Membership,
			LastActivityTS: rec.LastActivityTS,
			IsDirect:       rec.IsDirect,
			Unread: types.UnreadCounts{
				Notifications: counts.NotificationCount,
				Highlights:    counts.HighlightCount,
			},
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].LastActivityTS != summaries[j].LastActivityTS {
			return summaries[i].LastActivityTS > summaries[j].LastActivityTS
		}
		return summaries[i].RoomID < summaries[j].RoomID
	})
	return summaries, nil
}

// SearchUsers matches query against display names and user IDs,
// case-insensitively, in one room or across all rooms when roomID is "".
// Exact-prefix matches sort before substring matches, then alphabetically.
func (q *Queries) SearchUsers(roomID, query string) ([]types.UserMatch, error) {
	start := time.Now()
	defer func() { querySeconds.WithLabelValues("search_users").Observe(time.Since(start).Seconds()) }()

	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck

	var candidates []*types.MemberRecord
	if roomID != "" {
		if candidates, err = storage.SelectMembers(txn, roomID); err != nil {
			return nil, err
		}
	} else {
		rooms, err := storage.SelectAllRooms(txn)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, rec := range rooms {
			members, err := storage.SelectMembers(txn, rec.RoomID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if !seen[m.UserID] {
					seen[m.UserID] = true
					candidates = append(candidates, m)
				}
			}
		}
	}

	needle := strings.ToLower(query)
	var matches []types.UserMatch
	for _, m := range candidates {
		name := strings.ToLower(m.DisplayName)
		id := strings.ToLower(m.UserID)
		prefix := strings.HasPrefix(name, needle) ||
			strings.HasPrefix(id, needle) ||
			strings.HasPrefix(strings.TrimPrefix(id, "@"), needle)
		if !prefix && !strings.Contains(name, needle) && !strings.Contains(id, needle) {
			continue
		}
		matches = append(matches, types.UserMatch{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Prefix:      prefix,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Prefix != matches[j].Prefix {
			return matches[i].Prefix
		}
		return sortName(matches[i]) < sortName(matches[j])
	})
	return matches, nil
}

func sortName(m types.UserMatch) string {
	if m.DisplayName != "" {
		return strings.ToLower(m.DisplayName)
	}
	return strings.ToLower(m.UserID)
}

// SearchMessages queries the full-text index, optionally scoped to a room.
func (q *Queries) SearchMessages(term, roomID string, limit int) ([]types.MessageMatch, error) {
	if q.searcher == nil {
		return nil, errors.New("full-text search is not enabled")
	}
	start := time.Now()
	defer func() { querySeconds.WithLabelValues("search_messages").Observe(time.Since(start).Seconds()) }()
	return q.searcher.Search(term, roomID, limit)
}

// RoomInfo is the presentation summary for a single room.
type RoomInfo struct {
	RoomID      string
	Name        string
	Topic       string
	AvatarURL   string
	MemberCount int
	IsDirect    bool
	Unread      types.UnreadCounts
	TypingUsers []string
}

// GetRoomInfo resolves a room's presentation summary.
func (q *Queries) GetRoomInfo(roomID string) (*RoomInfo, error) {
	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck

	rec, ok, err := storage.SelectRoom(txn, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("unknown room %s", roomID)
	}
	name, err := q.tracker.RoomName(txn, roomID)
	if err != nil {
		return nil, err
	}
	topic, err := q.tracker.RoomTopic(txn, roomID)
	if err != nil {
		return nil, err
	}
	avatar, err := q.tracker.RoomAvatar(txn, roomID)
	if err != nil {
		return nil, err
	}
	members, err := storage.SelectMembers(txn, roomID)
	if err != nil {
		return nil, err
	}
	counts, err := storage.SelectNotificationCounts(txn, roomID)
	if err != nil {
		return nil, err
	}
	return &RoomInfo{
		RoomID:      roomID,
		Name:        name,
		Topic:       topic,
		AvatarURL:   avatar,
		MemberCount: len(members),
		IsDirect:    rec.IsDirect,
		Unread: types.UnreadCounts{
			Notifications: counts.NotificationCount,
			Highlights:    counts.HighlightCount,
		},
		TypingUsers: q.typing.TypingUsers(roomID),
	}, nil
}

// CurrentState exposes the tracker's materialised state map over a fresh
// snapshot.
func (q *Queries) CurrentState(roomID string) (map[types.StateTuple]*types.Event, error) {
	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck
	return q.tracker.CurrentState(txn, roomID)
}

// Members pages through a room's joined members in user-ID order,
// returning up to limit records strictly after afterUserID. Pass an empty
// afterUserID for the first page; a short page means there are no more.
func (q *Queries) Members(roomID, afterUserID string, limit int) ([]*types.MemberRecord, error) {
	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck
	return storage.SelectMembersPage(txn, roomID, afterUserID, limit)
}

// MemberDisplayName resolves how userID should be shown in roomID.
func (q *Queries) MemberDisplayName(roomID, userID string) (string, error) {
	txn, err := q.db.KV.NewReadTxn()
	if err != nil {
		return "", err
	}
	defer txn.Close() // nolint: errcheck
	return q.tracker.MemberDisplayName(txn, roomID, userID)
}
