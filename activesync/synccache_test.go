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
	"time"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/mockup/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCacheField_Whitelist(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	cache.SetHierarchy("{550e8400-e29b-41d4-a716-446655440000}1")
	cache.SetHBInterval(600)
	cache.SetWait(5)

	v, err := cache.Field("hierarchy")
	require.NoError(t, err)
	assert.Equal(t, "{550e8400-e29b-41d4-a716-446655440000}1", v)

	v, err = cache.Field("hbinterval")
	require.NoError(t, err)
	assert.Equal(t, 600, v)

	for _, name := range []string{"confirmed_synckeys", "folders", "timestamp", "wait", "lasthbsyncstarted", "lastsyncendnormal", "lastuntil"} {
		_, err := cache.Field(name)
		assert.NoError(t, err, "field %v", name)
	}

	// The collections are only reachable through Collections, which
	// validates the entries. Unknown names fail the same way.
	_, err = cache.Field("collections")
	assert.ErrorIs(t, err, activesync.ErrInvalidField)
	_, err = cache.Field("hierrchy")
	assert.ErrorIs(t, err, activesync.ErrInvalidField)
}

func TestSyncCacheCollections_DropsMalformedClass(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	cache.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail})
	cache.AddCollection(&activesync.Collection{ID: "broken", Class: "Junk"})
	cache.AddCollection(&activesync.Collection{ID: "empty"})

	collections := cache.Collections()
	require.Len(t, collections, 1)
	assert.Equal(t, "INBOX", collections["INBOX"].ID)

	// The malformed entries are dropped from the view, not purged.
	assert.Equal(t, 3, cache.CollectionCount())
}

func TestSyncCacheUpdateCollection_KeepsLastSyncKey(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	key := activesync.SyncKey{UUID: "550e8400-e29b-41d4-a716-446655440000", Counter: 4}
	cache.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 2})
	cache.SetLastSyncKey("INBOX", key)
	require.NoError(t, cache.SetPingable("INBOX", true))

	cache.UpdateCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail, FilterType: 5})

	updated := cache.Collections()["INBOX"]
	assert.Equal(t, 5, updated.FilterType)
	assert.Equal(t, key, updated.LastSyncKey)
	assert.True(t, cache.IsPingable("INBOX"))
}

func TestSyncCacheValidateFromCache(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	cache.AddCollection(&activesync.Collection{
		ID:          "INBOX",
		Class:       activesync.ClassEmail,
		FilterType:  5,
		MIMESupport: 1,
		Truncation:  7,
		WindowSize:  25,
		BodyPrefs:   map[int]activesync.BodyPreference{2: {Type: 2, TruncationSize: 51200}},
	})
	cache.UpdateFolder("Contacts", activesync.FolderMeta{DisplayName: "Contacts", ParentID: "0", Class: activesync.ClassContacts})

	// Device-omitted fields come back from the cache, the class of an
	// uncached collection from the folder hierarchy.
	fromCache := &activesync.Collection{ID: "INBOX"}
	fromFolders := &activesync.Collection{ID: "Contacts", WindowSize: 600}
	cache.ValidateFromCache([]*activesync.Collection{fromCache, fromFolders})

	assert.Equal(t, activesync.ClassEmail, fromCache.Class)
	assert.Equal(t, 5, fromCache.FilterType)
	assert.Equal(t, 1, fromCache.MIMESupport)
	assert.Equal(t, 7, fromCache.Truncation)
	assert.Equal(t, 25, fromCache.WindowSize)
	assert.Equal(t, 51200, fromCache.BodyPrefs[2].TruncationSize)

	assert.Equal(t, activesync.ClassContacts, fromFolders.Class)
	assert.Equal(t, activesync.MaxWindowSize, fromFolders.WindowSize)
}

func TestSyncCacheConfirmedKeys_PruneBoundsLineage(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	lineage := "550e8400-e29b-41d4-a716-446655440000"
	other := activesync.SyncKey{UUID: "663fa251-11aa-42c1-9f01-2b15217ac401", Counter: 2}

	for i := uint32(1); i <= 12; i++ {
		cache.ConfirmKey(activesync.SyncKey{UUID: lineage, Counter: i})
	}
	cache.ConfirmKey(other)

	cache.PruneConfirmedKeys(lineage, activesync.MaxConfirmedKeys)

	for i := uint32(1); i <= 4; i++ {
		assert.False(t, cache.IsConfirmed(activesync.SyncKey{UUID: lineage, Counter: i}), "counter %v", i)
	}
	for i := uint32(5); i <= 12; i++ {
		assert.True(t, cache.IsConfirmed(activesync.SyncKey{UUID: lineage, Counter: i}), "counter %v", i)
	}
	// Other lineages are untouched.
	assert.True(t, cache.IsConfirmed(other))
}

func TestSyncCacheValidateTimestamps(t *testing.T) {
	now := time.Now().Unix()

	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	assert.True(t, cache.ValidateTimestamps())

	// A heartbeat sync started but never ended normally.
	cache.SetLastHBSyncStarted(now - 30)
	assert.False(t, cache.ValidateTimestamps())

	cache.SetLastSyncEndNormal(now - 10)
	assert.True(t, cache.ValidateTimestamps())

	// The planned sync window has not elapsed yet.
	cache.SetLastUntil(now + 300)
	assert.False(t, cache.ValidateTimestamps())

	cache.SetLastUntil(now - 1)
	assert.True(t, cache.ValidateTimestamps())
}

func TestSyncCacheDeleteFolder_RemovesCollection(t *testing.T) {
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	cache.UpdateFolder("INBOX", activesync.FolderMeta{DisplayName: "Inbox", ParentID: "0", Class: activesync.ClassEmail, Type: 2})
	cache.AddCollection(&activesync.Collection{ID: "INBOX", Class: activesync.ClassEmail})

	cache.DeleteFolder("INBOX")
	assert.Empty(t, cache.Folders())
	assert.False(t, cache.CollectionExists("INBOX"))
}

func TestSyncCacheSave_ConcurrentModification(t *testing.T) {
	mock := storage.New()
	store := mock.NewCacheStore(nil, "dev1", "alice")

	first := activesync.NewSyncCache(store, "dev1", "alice")
	first.SetHierarchy("{550e8400-e29b-41d4-a716-446655440000}1")
	require.NoError(t, first.Save())

	// Two sessions load the same generation; only the first write wins.
	a, err := activesync.LoadSyncCache(store, "dev1", "alice")
	require.NoError(t, err)
	b, err := activesync.LoadSyncCache(store, "dev1", "alice")
	require.NoError(t, err)

	require.NoError(t, a.Save())
	assert.ErrorIs(t, b.Save(), activesync.ErrConcurrentModification)

	// A bootstrap save races an existing record the same way.
	fresh := activesync.NewSyncCache(store, "dev1", "alice")
	assert.ErrorIs(t, fresh.Save(), activesync.ErrConcurrentModification)
}

func TestSyncCacheLoad_Miss(t *testing.T) {
	mock := storage.New()
	store := mock.NewCacheStore(nil, "dev1", "alice")

	_, err := activesync.LoadSyncCache(store, "dev1", "alice")
	assert.ErrorIs(t, err, activesync.ErrCacheMiss)
}
