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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyncKey_Zero(t *testing.T) {
	key, err := ParseSyncKey("0")
	require.NoError(t, err)
	assert.True(t, key.IsZero())
	assert.Equal(t, "0", key.String())
}

func TestParseSyncKey_Valid(t *testing.T) {
	key, err := ParseSyncKey("{550e8400-e29b-41d4-a716-446655440000}42")
	require.NoError(t, err)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", key.UUID)
	assert.Equal(t, uint32(42), key.Counter)
	assert.Equal(t, "{550e8400-e29b-41d4-a716-446655440000}42", key.String())
}

func TestParseSyncKey_Malformed(t *testing.T) {
	malformed := []string{
		"",
		"1",
		"00",
		"{550e8400-e29b-41d4-a716-446655440000}",
		"{550e8400-e29b-41d4-a716-446655440000}0",
		"{550e8400-e29b-41d4-a716-446655440000}007",
		"{not-a-uuid}3",
		"550e8400-e29b-41d4-a716-446655440000}3",
		"s{550e8400-e29b-41d4-a716-446655440000}3",
		"{550e8400-e29b-41d4-a716-446655440000}3 ",
	}
	for _, v := range malformed {
		_, err := ParseSyncKey(v)
		assert.ErrorIs(t, err, ErrInvalidSyncKey, "input %q", v)
	}
}

func TestParseSyncKey_CounterOverflow(t *testing.T) {
	_, err := ParseSyncKey("{550e8400-e29b-41d4-a716-446655440000}4294967296")
	assert.ErrorIs(t, err, ErrInvalidSyncKey)
}

func TestSyncKeyNext_FreshLineage(t *testing.T) {
	first, err := SyncKey{}.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Counter)
	assert.NotEmpty(t, first.UUID)

	// The generated key must round-trip through the wire form.
	parsed, err := ParseSyncKey(first.String())
	require.NoError(t, err)
	assert.Equal(t, first, parsed)

	second, err := SyncKey{}.Next()
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)
}

func TestSyncKeyNext_PreservesLineage(t *testing.T) {
	key := SyncKey{UUID: "550e8400-e29b-41d4-a716-446655440000", Counter: 7}
	next, err := key.Next()
	require.NoError(t, err)
	assert.Equal(t, key.UUID, next.UUID)
	assert.Equal(t, uint32(8), next.Counter)
}

func TestSyncKeyNext_Overflow(t *testing.T) {
	key := SyncKey{UUID: "550e8400-e29b-41d4-a716-446655440000", Counter: math.MaxUint32}
	_, err := key.Next()
	assert.Error(t, err)
}

func TestSyncKeyText_RoundTrip(t *testing.T) {
	key := SyncKey{UUID: "550e8400-e29b-41d4-a716-446655440000", Counter: 3}
	text, err := key.MarshalText()
	require.NoError(t, err)

	var decoded SyncKey
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, key, decoded)

	assert.Error(t, decoded.UnmarshalText([]byte("{bogus}1")))
}
