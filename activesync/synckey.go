/*
 * Hivesync is an ActiveSync synchronization service for the Hivemail
 * groupware server.
 *
 * Copyright (C) 2025 Hivemail Authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package activesync

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// SyncKey is an opaque version token for one collection's synchronization
// state. The wire form is {UUID}N where the UUID identifies a sync lineage
// and N is a strictly increasing counter. The zero value is the "0" key,
// which means no prior state.
type SyncKey struct {
	UUID    string
	Counter uint32
}

// The counter must not have leading zeros and the literal "0" key carries no
// UUID at all.
var syncKeyFormat = regexp.MustCompile(`^\{([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\}([1-9][0-9]*)$`)

// ParseSyncKey parses the wire form of a sync key. "0" parses to the zero
// SyncKey. Any other malformed value is rejected with ErrInvalidSyncKey,
// never coerced.
func ParseSyncKey(s string) (SyncKey, error) {
	if s == "0" {
		return SyncKey{}, nil
	}
	m := syncKeyFormat.FindStringSubmatch(s)
	if m == nil {
		return SyncKey{}, ErrInvalidSyncKey
	}
	counter, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		// Counter overflows the 32-bit range.
		return SyncKey{}, ErrInvalidSyncKey
	}

	return SyncKey{UUID: m[1], Counter: uint32(counter)}, nil
}

// IsZero returns true if this is the "0" key, i.e., no prior state.
func (r SyncKey) IsZero() bool {
	return r.UUID == "" && r.Counter == 0
}

// Next returns the successor key. Called on the zero key it starts a new
// lineage with a fresh UUID and counter 1. The counter advances by exactly
// one otherwise.
func (r SyncKey) Next() (SyncKey, error) {
	if r.IsZero() {
		return SyncKey{UUID: uuid.New().String(), Counter: 1}, nil
	}
	if r.Counter == math.MaxUint32 {
		return SyncKey{}, fmt.Errorf("sync key counter overflow: %v", r)
	}

	return SyncKey{UUID: r.UUID, Counter: r.Counter + 1}, nil
}

func (r SyncKey) String() string {
	if r.IsZero() {
		return "0"
	}

	return fmt.Sprintf("{%v}%v", r.UUID, r.Counter)
}

func (r SyncKey) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *SyncKey) UnmarshalText(text []byte) error {
	key, err := ParseSyncKey(string(text))
	if err != nil {
		return err
	}
	*r = key

	return nil
}
