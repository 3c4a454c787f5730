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
	"github.com/hivemail/hivesync/database"
)

// Storage provides the persistence layer for sync caches and per-collection
// state. Implementations are bound to a Queryer so all operations of one
// request share a transaction.
type Storage interface {
	NewCacheStore(q database.Queryer, deviceID, user string) CacheStore
	NewStateStore(q database.Queryer, deviceID, user, folderID string) StateStore
}

// CacheStore persists one (device, user) sync cache wholesale.
type CacheStore interface {
	// Load returns the cache data and its storage generation. It fails
	// with ErrCacheMiss when no record exists.
	Load() (data CacheData, version uint64, err error)
	// Save writes the full cache, succeeding only when the stored
	// generation still equals version. A mismatch fails with
	// ErrConcurrentModification.
	Save(data CacheData, version uint64) error
	Delete() error
}

// StateStore persists per-collection state records keyed by sync key. One
// record exists per issued key; records of superseded keys are pruned once
// confirmed.
type StateStore interface {
	// Load resolves the state saved under key. It fails with
	// ErrInvalidSyncKey if the key is unrecognized.
	Load(key SyncKey, lock database.LockMode) (StateData, error)
	// LastKey returns the most recently issued key for this collection,
	// or ok=false when the collection has never synced.
	LastKey(lock database.LockMode) (key SyncKey, ok bool, err error)
	// Save persists data under next. It succeeds only when prev is still
	// the most recent key in storage; otherwise it fails with
	// ErrConcurrentModification. A zero prev requires the collection to
	// have no state at all.
	Save(prev, next SyncKey, data StateData) error
	// Prune removes state records superseded by key, keeping the given
	// number of most recent records for retry recovery.
	Prune(key SyncKey, keep int) error
	// Reset removes every state record for this collection.
	Reset() error
}

// StateData is the per-sync-key persisted record for one collection.
type StateData struct {
	Folder *FolderSnapshot `json:"folder"`
	// Pending holds delta entries computed for this key but not yet
	// sent to the device, i.e. the leftovers of windowing.
	Pending []Change `json:"pending"`
	// Sent holds the delta entries that were sent to the device together
	// with this key. A device replaying an old request gets these again
	// instead of a freshly computed delta.
	Sent []Change `json:"sent"`
}
