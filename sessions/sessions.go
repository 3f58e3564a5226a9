// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sessions persists end-to-end-encryption key material. The cache
// never interprets pickles: they are opaque blobs owned by the crypto
// collaborator, and this package only guarantees their durability, their
// rotation bookkeeping and their content-addressed identity.
package sessions

import (
	"bytes"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

// Store is the session persistence surface.
type Store struct {
	db *storage.Database
}

// NewStore wraps the database for session access.
func NewStore(db *storage.Database) *Store {
	return &Store{db: db}
}

// StoreOutboundSession makes sessionID the room's current outbound session.
// Any prior current session is kept but flagged historical, so messages
// already encrypted with it stay decryptable.
func (s *Store) StoreOutboundSession(roomID, sessionID string, pickle []byte) error {
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

	if currentID, ok, err := storage.SelectCurrentOutboundSessionID(txn, roomID); err != nil {
		return err
	} else if ok && currentID != sessionID {
		prior, found, err := storage.SelectOutboundSession(txn, roomID, currentID)
		if err != nil {
			return err
		}
		if found && !prior.Historical {
			prior.Historical = true
			if err := storage.UpsertOutboundSession(txn, prior); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"room_id":    roomID,
				"session_id": currentID,
			}).Debug("Rotated outbound session to historical")
		}
	}

	rec := &types.OutboundSessionRecord{
		RoomID:    roomID,
		SessionID: sessionID,
		Pickle:    pickle,
		CreatedTS: spec.AsTimestamp(time.Now()),
	}
	if err := storage.UpsertOutboundSession(txn, rec); err != nil {
		return err
	}
	if err := storage.UpsertCurrentOutboundSessionID(txn, roomID, sessionID); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// AdvanceOutboundMessageIndex bumps the current session's message counter
// after each encrypted send.
func (s *Store) AdvanceOutboundMessageIndex(roomID string) error {
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

	currentID, ok, err := storage.SelectCurrentOutboundSessionID(txn, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("no current outbound session for %s", roomID)
	}
	rec, found, err := storage.SelectOutboundSession(txn, roomID, currentID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("current outbound session %s missing for %s", currentID, roomID)
	}
	rec.MessageIdx++
	if err := storage.UpsertOutboundSession(txn, rec); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// LookupOutboundSession returns the room's current outbound session.
// Absence is not an error: it means "no session established yet".
func (s *Store) LookupOutboundSession(roomID string) (*types.OutboundSessionRecord, bool, error) {
	txn, err := s.db.KV.NewReadTxn()
	if err != nil {
		return nil, false, err
	}
	defer txn.Close() // nolint: errcheck

	currentID, ok, err := storage.SelectCurrentOutboundSessionID(txn, roomID)
	if err != nil || !ok {
		return nil, false, err
	}
	return storage.SelectOutboundSession(txn, roomID, currentID)
}

// StoreInboundSession stores key material for (senderKey, deviceID,
// sessionID). Sessions are content-addressed: storing the same ID with
// identical material is a no-op, while the same ID with different material
// is a conflict the caller must resolve.
func (s *Store) StoreInboundSession(senderKey, deviceID, sessionID string, pickle []byte) error {
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

	if existing, ok, err := storage.SelectInboundSession(txn, senderKey, deviceID, sessionID); err != nil {
		return err
	} else if ok {
		if bytes.Equal(existing.Pickle, pickle) {
			succeeded = true
			txn.Abort()
			return nil
		}
		return errors.Wrapf(types.ErrSessionConflict,
			"inbound session %s from %s/%s already stored with different material",
			sessionID, senderKey, deviceID,
		)
	}

	rec := &types.InboundSessionRecord{
		SenderKey: senderKey,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Pickle:    pickle,
		CreatedTS: spec.AsTimestamp(time.Now()),
	}
	if err := storage.InsertInboundSession(txn, rec); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// LookupInboundSession returns the session for (senderKey, deviceID,
// sessionID), or ok == false when none is stored. Callers treat absence as
// "cannot decrypt yet", never as a failure.
func (s *Store) LookupInboundSession(senderKey, deviceID, sessionID string) (*types.InboundSessionRecord, bool, error) {
	txn, err := s.db.KV.NewReadTxn()
	if err != nil {
		return nil, false, err
	}
	defer txn.Close() // nolint: errcheck
	return storage.SelectInboundSession(txn, senderKey, deviceID, sessionID)
}

// StoreCryptoBlob persists an opaque account-level blob (pickled account,
// cross-signing keys) under a named slot.
func (s *Store) StoreCryptoBlob(slot string, blob []byte) error {
	txn, err := s.db.KV.NewWriteTxn()
	if err != nil {
		return err
	}
	if err := storage.UpsertCryptoBlob(txn, slot, blob); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// LookupCryptoBlob returns the blob stored under slot, if any.
func (s *Store) LookupCryptoBlob(slot string) ([]byte, bool, error) {
	txn, err := s.db.KV.NewReadTxn()
	if err != nil {
		return nil, false, err
	}
	defer txn.Close() // nolint: errcheck
	return storage.SelectCryptoBlob(txn, slot)
}
