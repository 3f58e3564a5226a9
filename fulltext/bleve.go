// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package fulltext provides a rebuildable message search index. The index
// is derived data only: it can be deleted at any time and rebuilt from the
// stored timelines.
package fulltext

import (
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/types"
)

// Search is a handle to the open index.
type Search struct {
	index bleve.Index
	path  string
}

// indexElement is the indexed shape of one message event. The event ID is
// the document ID, so deletes and redactions are point operations.
type indexElement struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// New opens the index at path, creating it when absent.
func New(path string) (*Search, error) {
	index, err := bleve.Open(path)
	switch {
	case err == nil:
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
		if index, err = bleve.New(path, indexMapping()); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &Search{index: index, path: path}, nil
}

func indexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	roomField := bleve.NewTextFieldMapping()
	roomField.Analyzer = keyword.Name
	roomField.IncludeInAll = false

	contentField := bleve.NewTextFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("room_id", roomField)
	doc.AddFieldMappingsAt("content", contentField)
	m.DefaultMapping = doc
	return m
}

// Close releases the index. The handle must not be used afterwards.
func (s *Search) Close() error {
	return s.index.Close()
}

// IndexEvent adds (or re-adds) one message body to the index.
func (s *Search) IndexEvent(eventID, roomID, body string) error {
	if body == "" {
		return nil
	}
	return s.index.Index(eventID, indexElement{RoomID: roomID, Content: body})
}

// DeleteEvent removes an event from the index, typically after a
// redaction. Deleting an unindexed event is a no-op.
func (s *Search) DeleteEvent(eventID string) error {
	return s.index.Delete(eventID)
}

// Search runs term against indexed message bodies, optionally scoped to
// one room, returning up to limit hits ordered by relevance.
func (s *Search) Search(term, roomID string, limit int) ([]types.MessageMatch, error) {
	contentQuery := bleve.NewMatchQuery(term)
	contentQuery.SetField("content")

	var searchQuery = bleve.NewConjunctionQuery(contentQuery)
	if roomID != "" {
		roomQuery := bleve.NewTermQuery(roomID)
		roomQuery.SetField("room_id")
		searchQuery.AddQuery(roomQuery)
	}

	req := bleve.NewSearchRequestOptions(searchQuery, limit, 0, false)
	req.Fields = []string{"room_id"}
	res, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}

	matches := make([]types.MessageMatch, 0, len(res.Hits))
	for _, hit := range res.Hits {
		match := types.MessageMatch{
			EventID: hit.ID,
			Score:   hit.Score,
		}
		if v, ok := hit.Fields["room_id"].(string); ok {
			match.RoomID = v
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// Drop closes and deletes the index files. A fresh index can then be
// rebuilt with Reindex.
func (s *Search) Drop() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	logrus.WithField("path", s.path).Info("Dropping search index")
	return os.RemoveAll(s.path)
}
