// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// DataUnit is a byte count that accepts human-friendly yaml values like
// "512kb" or "1gb" alongside plain integers.
type DataUnit int64

const (
	KB DataUnit = 1024
	MB          = KB * 1024
	GB          = MB * 1024
)

func (d *DataUnit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n int64
		if err := unmarshal(&n); err != nil {
			return err
		}
		*d = DataUnit(n)
		return nil
	}

	s := strings.ToLower(strings.TrimSpace(raw))
	mult := DataUnit(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		mult, s = GB, strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult, s = MB, strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		mult, s = KB, strings.TrimSuffix(s, "kb")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid data unit %q", raw)
	}
	*d = DataUnit(n) * mult
	return nil
}

func (d DataUnit) String() string {
	switch {
	case d >= GB && d%GB == 0:
		return fmt.Sprintf("%dgb", int64(d/GB))
	case d >= MB && d%MB == 0:
		return fmt.Sprintf("%dmb", int64(d/MB))
	case d >= KB && d%KB == 0:
		return fmt.Sprintf("%dkb", int64(d/KB))
	}
	return strconv.FormatInt(int64(d), 10)
}
