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
	"encoding/xml"
	"fmt"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/backend"
	"github.com/hivemail/hivesync/database"

	"github.com/superkkt/logger"
)

const (
	folderSyncStatusOK             = 1
	folderSyncStatusInvalidSyncKey = 9
)

func (r *handler) handleFolderSync(tx database.Transaction) error {
	// FolderSync response is given in WBXML encoding.
	r.resp.SetWBXML(true)

	reqBody := struct {
		XMLName xml.Name `xml:"FolderSync"`
		SyncKey string
	}{}
	if err := activesync.ParseWBXMLRequest(r.req, &reqBody); err != nil {
		r.badRequest = true
		return fmt.Errorf("ParseWBXMLRequest: %v", err)
	}
	logger.Debug(fmt.Sprintf("FolderSync request: %+v", reqBody))

	store := r.param.ASStorage.NewCacheStore(tx, getDeviceID(r.req), r.credential.UserID())
	cache, err := activesync.LoadSyncCache(store, getDeviceID(r.req), r.credential.UserID())
	if err != nil {
		if err != activesync.ErrCacheMiss {
			return fmt.Errorf("loading sync cache: %v", err)
		}
		// First sync of this device.
		cache = activesync.NewSyncCache(store, getDeviceID(r.req), r.credential.UserID())
	}

	key, err := activesync.ParseSyncKey(reqBody.SyncKey)
	if err != nil {
		logger.Warning(fmt.Sprintf("Client sent malformed folder sync key: IP=%v, UserID=%v, SyncKey=%q", r.req.RemoteAddr, r.credential.UserID(), reqBody.SyncKey))
		return r.writeFolderSyncResp(FolderSyncResp{Status: folderSyncStatusInvalidSyncKey})
	}

	var response FolderSyncResp
	if key.IsZero() {
		response, err = r.initialFolderSync(cache)
	} else {
		response, err = r.folderSync(cache, key)
	}
	if err != nil {
		return fmt.Errorf("failed to sync folders: %v", err)
	}

	if err := cache.Save(); err != nil {
		if err == activesync.ErrConcurrentModification {
			logger.Warning(fmt.Sprintf("Concurrent FolderSync detected: UserID=%v, DeviceID=%v", r.credential.UserID(), getDeviceID(r.req)))
			return r.writeFolderSyncResp(FolderSyncResp{Status: folderSyncStatusInvalidSyncKey})
		}
		return fmt.Errorf("saving sync cache: %v", err)
	}

	return r.writeFolderSyncResp(response)
}

func (r *handler) writeFolderSyncResp(response FolderSyncResp) error {
	// Default XML namespace
	response.NS = "FolderHierarchy:"

	output, err := xml.Marshal(response)
	if err != nil {
		return err
	}
	r.resp.Write(output)

	return nil
}

// initialFolderSync handles the initial FolderSync request whose SyncKey is 0.
// The device starts a fresh hierarchy lineage, so every cached folder and
// collection is dropped and the full folder list is sent as additions.
func (r *handler) initialFolderSync(cache *activesync.SyncCache) (FolderSyncResp, error) {
	logger.Debug(fmt.Sprintf("Initial folder synchronizing: IP=%v, UserID=%v, DeviceID=%v", r.req.RemoteAddr, r.credential.UserID(), getDeviceID(r.req)))

	cache.ClearFolders()
	cache.ClearCollections()
	cache.ClearConfirmedKeys()

	folders, err := r.param.Driver.Folders(r.credential)
	if err != nil {
		return FolderSyncResp{}, fmt.Errorf("listing folders: %v", err)
	}

	newKey, err := activesync.SyncKey{}.Next()
	if err != nil {
		return FolderSyncResp{}, err
	}
	cache.SetHierarchy(newKey.String())
	logger.Debug(fmt.Sprintf("New folder SyncKey = %v", newKey))

	add := make([]FolderOperation, 0)
	for _, v := range folders {
		cache.UpdateFolder(v.ID, activesync.FolderMeta{
			DisplayName: v.DisplayName,
			ParentID:    v.ParentID,
			Class:       v.Type.Class(),
			Type:        int(v.Type),
		})
		add = append(add, FolderSyncAdd{Folder: Folder{ServerId: v.ID, ParentId: v.ParentID, DisplayName: v.DisplayName, Type: getASFolderType(v.Type)}})
	}
	logger.Debug(fmt.Sprintf("Synced %v folders", len(add)))

	return FolderSyncResp{
		Status:  folderSyncStatusOK,
		SyncKey: newKey.String(),
		Changes: &FolderSyncChange{
			Count:      len(add),
			Operations: add,
		},
	}, nil
}

// folderSync diffs the backend folder list against the cached hierarchy and
// sends additions, renames and deletions. The sync key only advances when
// something actually changed.
func (r *handler) folderSync(cache *activesync.SyncCache, key activesync.SyncKey) (FolderSyncResp, error) {
	logger.Debug(fmt.Sprintf("Folder synchronizing: IP=%v, UserID=%v, DeviceID=%v, SyncKey=%v", r.req.RemoteAddr, r.credential.UserID(), getDeviceID(r.req), key))

	if key.String() != cache.Hierarchy() {
		logger.Warning(fmt.Sprintf("Client sent unknown folder sync key: IP=%v, UserID=%v, sentSyncKey=%v, lastSyncKey=%v", r.req.RemoteAddr, r.credential.UserID(), key, cache.Hierarchy()))
		return FolderSyncResp{Status: folderSyncStatusInvalidSyncKey}, nil
	}

	folders, err := r.param.Driver.Folders(r.credential)
	if err != nil {
		return FolderSyncResp{}, fmt.Errorf("listing folders: %v", err)
	}

	current := make(map[string]backend.FolderInfo, len(folders))
	for _, v := range folders {
		current[v.ID] = v
	}
	cached := cache.Folders()

	operations := make([]FolderOperation, 0)
	for _, v := range folders {
		meta, ok := cached[v.ID]
		if !ok {
			operations = append(operations, FolderSyncAdd{Folder: Folder{ServerId: v.ID, ParentId: v.ParentID, DisplayName: v.DisplayName, Type: getASFolderType(v.Type)}})
			continue
		}
		if meta.DisplayName != v.DisplayName || meta.ParentID != v.ParentID {
			operations = append(operations, FolderSyncUpdate{Folder: Folder{ServerId: v.ID, ParentId: v.ParentID, DisplayName: v.DisplayName, Type: getASFolderType(v.Type)}})
		}
	}
	for id := range cached {
		if _, ok := current[id]; !ok {
			operations = append(operations, FolderSyncDelete{ServerId: id})
		}
	}

	if len(operations) == 0 {
		return FolderSyncResp{
			Status:  folderSyncStatusOK,
			SyncKey: key.String(),
			Changes: &FolderSyncChange{Count: 0},
		}, nil
	}

	newKey, err := key.Next()
	if err != nil {
		return FolderSyncResp{}, err
	}
	cache.SetHierarchy(newKey.String())

	for id := range cached {
		if _, ok := current[id]; !ok {
			cache.DeleteFolder(id)
		}
	}
	for _, v := range folders {
		cache.UpdateFolder(v.ID, activesync.FolderMeta{
			DisplayName: v.DisplayName,
			ParentID:    v.ParentID,
			Class:       v.Type.Class(),
			Type:        int(v.Type),
		})
	}
	logger.Debug(fmt.Sprintf("Folder changes: %v operations, new SyncKey = %v", len(operations), newKey))

	return FolderSyncResp{
		Status:  folderSyncStatusOK,
		SyncKey: newKey.String(),
		Changes: &FolderSyncChange{
			Count:      len(operations),
			Operations: operations,
		},
	}, nil
}

type FolderSyncResp struct {
	XMLName xml.Name `xml:"FolderSync"`
	NS      string   `xml:"xmlns,attr"`
	Status  int
	SyncKey string            `xml:",omitempty"`
	Changes *FolderSyncChange `xml:",omitempty"`
}

type FolderSyncChange struct {
	Count      int
	Operations []FolderOperation
}

type FolderOperation interface{} // One of FolderSyncAdd, FolderSyncDelete, and FolderSyncUpdate

type FolderSyncAdd struct {
	XMLName xml.Name `xml:"Add"`
	Folder
}

type FolderSyncDelete struct {
	XMLName  xml.Name `xml:"Delete"`
	ServerId string
}

type FolderSyncUpdate struct {
	XMLName xml.Name `xml:"Update"`
	Folder
}

type Folder struct {
	ServerId    string
	ParentId    string
	DisplayName string
	Type        int
}

func getASFolderType(t backend.FolderType) int {
	switch t {
	case backend.EmailInbox:
		return 2
	case backend.EmailDraft:
		return 3
	case backend.EmailTrash:
		return 4
	case backend.EmailSent:
		return 5
	case backend.EmailFolder:
		return 12
	case backend.ContactsDefault:
		return 9
	case backend.CalendarDefault:
		return 8
	case backend.TasksDefault:
		return 7
	case backend.NotesDefault:
		return 10
	default:
		return 1 // User-created folder (generic)
	}
}
