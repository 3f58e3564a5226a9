// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sessions

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

// keyExport is the backup envelope. Version guards against importing a
// future export format; the payload itself stays opaque pickles.
type keyExport struct {
	Version  int                            `json:"version"`
	Inbound  []*types.InboundSessionRecord  `json:"inbound_sessions"`
	Outbound []*types.OutboundSessionRecord `json:"outbound_sessions"`
}

const keyExportVersion = 1

// ExportRoomKeys serialises every stored session into a single blob for
// backup. The pickles are passed through untouched.
func (s *Store) ExportRoomKeys() ([]byte, error) {
	txn, err := s.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck

	export := keyExport{Version: keyExportVersion}
	if export.Inbound, err = storage.SelectInboundSessions(txn); err != nil {
		return nil, err
	}
	if export.Outbound, err = storage.SelectAllOutboundSessions(txn); err != nil {
		return nil, err
	}
	return json.Marshal(&export)
}

// ImportRoomKeys restores sessions from an ExportRoomKeys blob. Only the
// structure is validated; pickles are stored as-is. Inbound sessions we
// already hold with identical material are skipped, while an ID held with
// different material fails the whole import with ErrSessionConflict before
// anything is written.
func (s *Store) ImportRoomKeys(blob []byte) error {
	var export keyExport
	if err := json.Unmarshal(blob, &export); err != nil {
		return errors.Wrap(types.ErrDecode, err.Error())
	}
	if export.Version > keyExportVersion {
		return errors.Wrapf(types.ErrDecode, "unsupported key export version %d", export.Version)
	}

	txn, err := s.db.KV.NewWriteTxn()
	if err != nil {
		return err
	}
	succeeded := false
	defer func() {
		if !succeeded {
			txn.Abort()
		}
	}()

	imported := 0
	for _, rec := range export.Inbound {
		existing, ok, err := storage.SelectInboundSession(txn, rec.SenderKey, rec.DeviceID, rec.SessionID)
		if err != nil {
			return err
		}
		if ok {
			if bytes.Equal(existing.Pickle, rec.Pickle) {
				continue
			}
			return errors.Wrapf(types.ErrSessionConflict,
				"import collides with stored inbound session %s", rec.SessionID)
		}
		if rec.CreatedTS == 0 {
			rec.CreatedTS = spec.AsTimestamp(time.Now())
		}
		if err := storage.InsertInboundSession(txn, rec); err != nil {
			return err
		}
		imported++
	}
	for _, rec := range export.Outbound {
		if currentID, ok, err := storage.SelectCurrentOutboundSessionID(txn, rec.RoomID); err != nil {
			return err
		} else if ok && currentID == rec.SessionID {
			continue
		}
		// Imported outbound sessions always land historical: the current
		// session pointer only moves through StoreOutboundSession.
		rec.Historical = true
		if err := storage.UpsertOutboundSession(txn, rec); err != nil {
			return err
		}
		imported++
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	succeeded = true
	logrus.WithField("sessions", imported).Info("Imported room keys")
	return nil
}
