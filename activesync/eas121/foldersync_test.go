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

package eas121

import (
	"net/http/httptest"
	"testing"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/backend"
	"github.com/hivemail/hivesync/mockup/authenticator"
	"github.com/hivemail/hivesync/mockup/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, folders ...backend.FolderInfo) *handler {
	t.Helper()

	auth := &authenticator.MockAuth{Username: "alice", Password: "secret"}
	credential, err := auth.Auth("alice", "secret")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/Microsoft-Server-ActiveSync?Cmd=FolderSync&DeviceId=dev1&DeviceType=SmartPhone", nil)

	return &handler{
		param:      activesync.Parameter{Driver: driver.New(false, folders...)},
		credential: credential,
		req:        req,
	}
}

func defaultFolders() []backend.FolderInfo {
	return []backend.FolderInfo{
		{ID: "INBOX", DisplayName: "Inbox", ParentID: "0", Type: backend.EmailInbox},
		{ID: "Sent", DisplayName: "Sent", ParentID: "0", Type: backend.EmailSent},
		{ID: "Archive", DisplayName: "Archive", ParentID: "0", Type: backend.EmailFolder},
	}
}

func TestInitialFolderSync(t *testing.T) {
	h := newTestHandler(t, defaultFolders()...)
	cache := activesync.NewSyncCache(nil, "dev1", "alice")

	resp, err := h.initialFolderSync(cache)
	require.NoError(t, err)

	assert.Equal(t, folderSyncStatusOK, resp.Status)
	require.NotNil(t, resp.Changes)
	assert.Equal(t, 3, resp.Changes.Count)

	key, err := activesync.ParseSyncKey(resp.SyncKey)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), key.Counter)
	assert.Equal(t, resp.SyncKey, cache.Hierarchy())

	// The hierarchy cache mirrors the backend.
	require.Len(t, cache.Folders(), 3)
	assert.Equal(t, activesync.ClassEmail, cache.Folders()["INBOX"].Class)

	add, ok := resp.Changes.Operations[0].(FolderSyncAdd)
	require.True(t, ok)
	assert.Equal(t, "INBOX", add.ServerId)
	assert.Equal(t, 2, add.Type)
}

func TestFolderSync_NoChanges(t *testing.T) {
	h := newTestHandler(t, defaultFolders()...)
	cache := activesync.NewSyncCache(nil, "dev1", "alice")

	initial, err := h.initialFolderSync(cache)
	require.NoError(t, err)
	key, err := activesync.ParseSyncKey(initial.SyncKey)
	require.NoError(t, err)

	resp, err := h.folderSync(cache, key)
	require.NoError(t, err)

	// Nothing changed, so the key must not advance.
	assert.Equal(t, folderSyncStatusOK, resp.Status)
	assert.Equal(t, initial.SyncKey, resp.SyncKey)
	require.NotNil(t, resp.Changes)
	assert.Equal(t, 0, resp.Changes.Count)
}

func TestFolderSync_Diff(t *testing.T) {
	// Seed the cache from the old hierarchy, then present a backend where
	// one folder was renamed, one deleted and one added.
	seed := newTestHandler(t, defaultFolders()...)
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	initial, err := seed.initialFolderSync(cache)
	require.NoError(t, err)
	key, err := activesync.ParseSyncKey(initial.SyncKey)
	require.NoError(t, err)
	cache.AddCollection(&activesync.Collection{ID: "Sent", Class: activesync.ClassEmail})

	h := newTestHandler(t,
		backend.FolderInfo{ID: "INBOX", DisplayName: "Inbox", ParentID: "0", Type: backend.EmailInbox},
		backend.FolderInfo{ID: "Archive", DisplayName: "Archive 2024", ParentID: "0", Type: backend.EmailFolder},
		backend.FolderInfo{ID: "Drafts", DisplayName: "Drafts", ParentID: "0", Type: backend.EmailDraft},
	)

	resp, err := h.folderSync(cache, key)
	require.NoError(t, err)
	assert.Equal(t, folderSyncStatusOK, resp.Status)
	require.NotNil(t, resp.Changes)
	assert.Equal(t, 3, resp.Changes.Count)

	var adds, updates, deletes int
	for _, op := range resp.Changes.Operations {
		switch v := op.(type) {
		case FolderSyncAdd:
			adds++
			assert.Equal(t, "Drafts", v.ServerId)
		case FolderSyncUpdate:
			updates++
			assert.Equal(t, "Archive 2024", v.DisplayName)
		case FolderSyncDelete:
			deletes++
			assert.Equal(t, "Sent", v.ServerId)
		}
	}
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, deletes)

	// The key advances within the same lineage and the cache follows the
	// new hierarchy. Deleting a folder drops its collection entry too.
	newKey, err := activesync.ParseSyncKey(resp.SyncKey)
	require.NoError(t, err)
	assert.Equal(t, key.UUID, newKey.UUID)
	assert.Equal(t, key.Counter+1, newKey.Counter)
	assert.Equal(t, resp.SyncKey, cache.Hierarchy())
	assert.NotContains(t, cache.Folders(), "Sent")
	assert.Contains(t, cache.Folders(), "Drafts")
	assert.False(t, cache.CollectionExists("Sent"))
}

func TestFolderSync_UnknownKey(t *testing.T) {
	h := newTestHandler(t, defaultFolders()...)
	cache := activesync.NewSyncCache(nil, "dev1", "alice")
	_, err := h.initialFolderSync(cache)
	require.NoError(t, err)

	stale := activesync.SyncKey{UUID: testLineage, Counter: 99}
	resp, err := h.folderSync(cache, stale)
	require.NoError(t, err)
	assert.Equal(t, folderSyncStatusInvalidSyncKey, resp.Status)
}

func TestGetASFolderType(t *testing.T) {
	tests := []struct {
		folder backend.FolderType
		want   int
	}{
		{backend.EmailInbox, 2},
		{backend.EmailDraft, 3},
		{backend.EmailTrash, 4},
		{backend.EmailSent, 5},
		{backend.EmailFolder, 12},
		{backend.TasksDefault, 7},
		{backend.CalendarDefault, 8},
		{backend.ContactsDefault, 9},
		{backend.NotesDefault, 10},
	}
	for _, v := range tests {
		assert.Equal(t, v.want, getASFolderType(v.folder), "type %v", v.folder)
	}
}
