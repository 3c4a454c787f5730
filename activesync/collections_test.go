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

package activesync_test

import (
	"testing"

	"github.com/hivemail/hivesync/activesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int {
	return &v
}

// cacheWithCollections seeds a cache with email collections that have
// completed at least one sync.
func cacheWithCollections(ids ...string) *activesync.SyncCache {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	for i, id := range ids {
		cache.AddCollection(&activesync.Collection{
			ID:         id,
			Class:      activesync.ClassEmail,
			FilterType: 5,
			WindowSize: 5,
			LastSyncKey: activesync.SyncKey{
				UUID:    "550e8400-e29b-41d4-a716-44665544000" + string(rune('0'+i)),
				Counter: 3,
			},
		})
	}

	return cache
}

func TestInitPartialSync_UnchangedRequest(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX"))
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 5, WindowSize: 5})

	// Nothing differs from the cache, so there is nothing a partial sync
	// could contribute.
	assert.False(t, cols.InitPartialSync())
}

func TestInitPartialSync_FilterTypeChangeTriggers(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX"))
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 6, WindowSize: 5})

	assert.True(t, cols.InitPartialSync())
}

func TestInitPartialSync_NewCollectionTriggers(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX"))
	cols.AddCollection(&activesync.Collection{ID: "Archive", Class: activesync.ClassEmail, FilterType: 5, WindowSize: 5})

	assert.True(t, cols.InitPartialSync())
}

func TestInitPartialSync_OptionMismatchRejects(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX"))
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 5, WindowSize: 50})

	// A changed windowsize is an option mismatch, not a trigger.
	assert.False(t, cols.InitPartialSync())
}

func TestInitPartialSync_HeartbeatOnly(t *testing.T) {
	cache := cacheWithCollections("INBOX")
	cache.SetHBInterval(600)

	// No collections, no heartbeat: the request is ambiguous.
	cols := activesync.NewCollections(cache)
	assert.False(t, cols.InitPartialSync())

	// The same heartbeat as cached changes nothing.
	cols = activesync.NewCollections(cache)
	cols.SetHeartbeat(intp(600), nil)
	assert.False(t, cols.InitPartialSync())

	// A different heartbeat is a valid partial-sync trigger on its own.
	cols = activesync.NewCollections(cache)
	cols.SetHeartbeat(intp(800), nil)
	assert.True(t, cols.InitPartialSync())

	cols = activesync.NewCollections(cache)
	cols.SetHeartbeat(nil, intp(8))
	assert.True(t, cols.InitPartialSync())
}

func TestInitPartialSync_SuspectTimestamps(t *testing.T) {
	cache := cacheWithCollections("INBOX")
	cache.SetLastHBSyncStarted(1000)

	cols := activesync.NewCollections(cache)
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 6, WindowSize: 5})

	// A trigger is present, but the cached bookkeeping says another sync
	// may still be in flight.
	assert.False(t, cols.InitPartialSync())
}

func TestGetMissingCollectionsFromCache(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX", "Archive", "Sent"))
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 6, WindowSize: 5})
	cols.SetDefaultWindowSize(30)

	require.True(t, cols.InitPartialSync())
	require.Equal(t, 1, cols.CollectionCount())

	cols.GetMissingCollectionsFromCache()
	assert.Equal(t, 3, cols.CollectionCount())

	// Hydrated entries present their last issued key and take the
	// request-global windowsize.
	archive := cols.Collection("Archive")
	require.NotNil(t, archive)
	assert.Equal(t, archive.LastSyncKey, archive.SyncKey)
	assert.False(t, archive.SyncKey.IsZero())
	assert.Equal(t, 30, archive.WindowSize)

	// The request's own entry keeps its request values.
	assert.Equal(t, 5, cols.Collection("INBOX").WindowSize)
}

func TestReady_PanicsWithoutPartialCheck(t *testing.T) {
	cols := activesync.NewCollections(cacheWithCollections("INBOX"))
	cols.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail})

	assert.Panics(t, func() { cols.Ready() })

	cols.InitPartialSync()
	assert.NotPanics(t, func() { cols.Ready() })
}

func TestCheckFilterType(t *testing.T) {
	cache := cacheWithCollections("INBOX")
	cols := activesync.NewCollections(cache)

	same := &activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 5}
	assert.True(t, cols.CheckFilterType(same))
	assert.True(t, cache.CollectionExists("INBOX"))

	// A filtertype change evicts the cached entry so the collection is
	// re-diffed from scratch.
	changed := &activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 2}
	assert.False(t, cols.CheckFilterType(changed))
	assert.False(t, cache.CollectionExists("INBOX"))

	// An uncached collection has nothing to mismatch.
	assert.True(t, cols.CheckFilterType(changed))
}

func TestHaveSyncableCollections(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	cols := activesync.NewCollections(cache)
	cols.AddCollection(&activesync.Collection{ID: "INBOX"})
	assert.False(t, cols.HaveSyncableCollections(12.1))

	key := activesync.SyncKey{UUID: "550e8400-e29b-41d4-a716-446655440000", Counter: 1}
	cols.AddCollection(&activesync.Collection{ID: "Archive", LastSyncKey: key})

	// Protocol 12.1 requires an explicit class; older versions do not.
	assert.False(t, cols.HaveSyncableCollections(12.1))
	assert.True(t, cols.HaveSyncableCollections(12.0))

	cols.AddCollection(&activesync.Collection{ID: "Sent", Class: activesync.ClassEmail, LastSyncKey: key})
	assert.True(t, cols.HaveSyncableCollections(12.1))
}

func TestCanSendEmptyResponse(t *testing.T) {
	cols := activesync.NewCollections(activesync.NewSyncCache(nil, "dev1", "alice"))
	assert.False(t, cols.CanSendEmptyResponse())

	cols.SetHeartbeat(intp(600), nil)
	assert.True(t, cols.CanSendEmptyResponse())

	// Imported client changes always require a full response.
	cols.SetImportedChanges()
	assert.False(t, cols.CanSendEmptyResponse())
}
