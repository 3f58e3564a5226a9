// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/roost/types"
)

// rawCarrier is satisfied by every record embedding types.RawPreserver.
type rawCarrier interface {
	StoreRaw([]byte)
	RawBytes() []byte
}

// EncodeRecord serialises a record. When the record was previously decoded
// from stored bytes, the known fields are patched into those original bytes
// so that fields this build does not know about are written back verbatim
// instead of being dropped.
func EncodeRecord(rec interface{}) ([]byte, error) {
	known, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	rc, ok := rec.(rawCarrier)
	if !ok || rc.RawBytes() == nil {
		return known, nil
	}
	merged := append([]byte{}, rc.RawBytes()...)
	var patchErr error
	gjson.ParseBytes(known).ForEach(func(key, value gjson.Result) bool {
		merged, patchErr = sjson.SetRawBytes(merged, key.String(), []byte(value.Raw))
		return patchErr == nil
	})
	if patchErr != nil {
		return nil, errors.Wrap(patchErr, "encode record")
	}
	return merged, nil
}

// DecodeRecord deserialises stored bytes into rec and remembers the original
// bytes for later re-encoding.
func DecodeRecord(data []byte, rec interface{}) error {
	if err := json.Unmarshal(data, rec); err != nil {
		return errors.Wrap(types.ErrDecode, err.Error())
	}
	if rc, ok := rec.(rawCarrier); ok {
		rc.StoreRaw(data)
	}
	return nil
}
