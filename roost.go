// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roost is a persistent local cache for a Matrix client: it ingests
// sync batches into a transactional store and serves the timeline, room
// state, unread counts and search queries the UI needs, across restarts.
package roost

import (
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/fulltext"
	"github.com/element-hq/roost/ingest"
	"github.com/element-hq/roost/internal/caching"
	"github.com/element-hq/roost/notifier"
	"github.com/element-hq/roost/query"
	"github.com/element-hq/roost/roomstate"
	"github.com/element-hq/roost/sessions"
	"github.com/element-hq/roost/setup/config"
	"github.com/element-hq/roost/setup/process"
	"github.com/element-hq/roost/storage"
)

// Engine owns every cache component. Construct one per process with Open
// and tear it down with Close.
type Engine struct {
	DB       *storage.Database
	Tracker  *roomstate.Tracker
	Typing   *roomstate.TypingCache
	Notifier *notifier.Notifier
	Ingestor *ingest.Ingestor
	Queries  *query.Queries
	Worker   *query.Worker
	Sessions *sessions.Store
	Search   *fulltext.Search // nil when search is disabled
}

// Open wires the cache engine from configuration. The storage path gains a
// store directory and, when search is enabled, a search index directory.
func Open(processCtx *process.ProcessContext, cfg *config.Config) (*Engine, error) {
	db, err := storage.Open(filepath.Join(cfg.Cache.StoragePath, "store"))
	if err != nil {
		return nil, err
	}

	var search *fulltext.Search
	if cfg.Fulltext.Enabled {
		indexPath := cfg.Fulltext.IndexPath
		if indexPath == "" {
			indexPath = filepath.Join(cfg.Cache.StoragePath, "search")
		}
		if search, err = fulltext.New(indexPath); err != nil {
			db.Close() // nolint: errcheck
			return nil, err
		}
	}

	caches := caching.NewRistrettoCache(int64(cfg.Cache.MaxCacheUsage), time.Hour, cfg.Cache.EnableMetrics)
	tracker := roomstate.NewTracker(caches, cfg.UserID)
	typing := roomstate.NewTypingCache()
	n := notifier.NewNotifier()

	var indexer ingest.Indexer
	if search != nil {
		indexer = search
	}

	e := &Engine{
		DB:       db,
		Tracker:  tracker,
		Typing:   typing,
		Notifier: n,
		Ingestor: ingest.NewIngestor(db, tracker, typing, n, indexer, cfg.UserID),
		Sessions: sessions.NewStore(db),
		Search:   search,
	}
	e.Queries = query.NewQueries(db, tracker, typing, searcher(search), cfg.UserID)
	e.Worker = query.NewWorker(processCtx, e.Queries, cfg.Cache.QueryWorkers)

	logrus.WithFields(logrus.Fields{
		"storage_path": cfg.Cache.StoragePath,
		"fulltext":     search != nil,
	}).Info("Cache engine open")
	return e, nil
}

// searcher keeps a nil *fulltext.Search from becoming a non-nil interface.
func searcher(s *fulltext.Search) query.Searcher {
	if s == nil {
		return nil
	}
	return s
}

// Close flushes and releases every component.
func (e *Engine) Close() error {
	if e.Search != nil {
		if err := e.Search.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close search index")
		}
	}
	return e.DB.Close()
}
