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

import "errors"

var (
	// ErrInvalidSyncKey means a sync key is malformed or unknown to the
	// state storage. The client recovers by sending sync key 0.
	ErrInvalidSyncKey = errors.New("invalid sync key")

	// ErrCacheMiss means no sync cache exists yet for a (device, user)
	// pair. This is not a failure. The caller should start a first sync
	// with empty defaults.
	ErrCacheMiss = errors.New("sync cache not found")

	// ErrInvalidField means a caller read a sync cache field that is not
	// on the whitelist. This is a programming error and is never silently
	// defaulted.
	ErrInvalidField = errors.New("invalid sync cache field")

	// ErrConcurrentModification means the optimistic check on save failed
	// because another request advanced the same state. The caller should
	// ask the client to retry the whole sync turn.
	ErrConcurrentModification = errors.New("state modified by a concurrent request")
)
