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
	"sort"
	"time"

	"github.com/superkkt/logger"
)

// MaxConfirmedKeys bounds the confirmed-key ledger and the retained state
// records to the last keys of each collection lineage.
const MaxConfirmedKeys = 8

// CacheData is the persisted snapshot for one (device, user) pair. It is
// loaded once per sync session and written back wholesale.
type CacheData struct {
	Hierarchy         string                 `json:"hierarchy"`
	ConfirmedSyncKeys map[string]bool        `json:"confirmed_synckeys"`
	Folders           map[string]FolderMeta  `json:"folders"`
	Collections       map[string]*Collection `json:"collections"`
	HBInterval        int                    `json:"hbinterval"`
	Wait              int                    `json:"wait"`
	LastHBSyncStarted int64                  `json:"lasthbsyncstarted"`
	LastSyncEndNormal int64                  `json:"lastsyncendnormal"`
	LastUntil         int64                  `json:"lastuntil"`
	Timestamp         int64                  `json:"timestamp"`
}

// FolderMeta is the hierarchy cache entry for one known folder.
type FolderMeta struct {
	DisplayName string `json:"displayname"`
	ParentID    string `json:"parentid"`
	Class       string `json:"class"`
	Type        int    `json:"type"`
}

// SyncCache wraps the per-device cache data together with its store. The
// version is the storage generation the data was loaded at; Save fails with
// ErrConcurrentModification if another request bumped it in the meantime.
type SyncCache struct {
	store    CacheStore
	deviceID string
	user     string
	data     CacheData
	version  uint64
}

// NewSyncCache returns an empty cache for a first sync.
func NewSyncCache(store CacheStore, deviceID, user string) *SyncCache {
	return &SyncCache{
		store:    store,
		deviceID: deviceID,
		user:     user,
		data:     emptyCacheData(),
	}
}

// LoadSyncCache fetches the persisted cache for (deviceID, user). It fails
// with ErrCacheMiss if there is none; the caller should treat that as a
// first sync, not as a hard error.
func LoadSyncCache(store CacheStore, deviceID, user string) (*SyncCache, error) {
	data, version, err := store.Load()
	if err != nil {
		return nil, err
	}
	if data.ConfirmedSyncKeys == nil {
		data.ConfirmedSyncKeys = make(map[string]bool)
	}
	if data.Folders == nil {
		data.Folders = make(map[string]FolderMeta)
	}
	if data.Collections == nil {
		data.Collections = make(map[string]*Collection)
	}

	return &SyncCache{
		store:    store,
		deviceID: deviceID,
		user:     user,
		data:     data,
		version:  version,
	}, nil
}

func emptyCacheData() CacheData {
	return CacheData{
		ConfirmedSyncKeys: make(map[string]bool),
		Folders:           make(map[string]FolderMeta),
		Collections:       make(map[string]*Collection),
	}
}

// Field reads a top-level cache field by its wire name. Only a fixed set of
// fields may be read this way; anything else fails with ErrInvalidField so a
// typo can never read stale or undefined state. The collections are
// deliberately not reachable through Field: they must go through
// Collections, which validates the entries first.
func (r *SyncCache) Field(name string) (interface{}, error) {
	switch name {
	case "hierarchy":
		return r.data.Hierarchy, nil
	case "confirmed_synckeys":
		return r.data.ConfirmedSyncKeys, nil
	case "folders":
		return r.data.Folders, nil
	case "hbinterval":
		return r.data.HBInterval, nil
	case "timestamp":
		return r.data.Timestamp, nil
	case "wait":
		return r.data.Wait, nil
	case "lasthbsyncstarted":
		return r.data.LastHBSyncStarted, nil
	case "lastsyncendnormal":
		return r.data.LastSyncEndNormal, nil
	case "lastuntil":
		return r.data.LastUntil, nil
	}

	return nil, ErrInvalidField
}

// Collections returns the cached collection entries, dropping any entry
// whose class is missing or malformed.
func (r *SyncCache) Collections() map[string]*Collection {
	collections := make(map[string]*Collection, len(r.data.Collections))
	for id, c := range r.data.Collections {
		if !ValidClass(c.Class) {
			logger.Warning(fmt.Sprintf("synccache: dropping collection %v with malformed class %q: DeviceID=%v, User=%v", id, c.Class, r.deviceID, r.user))
			continue
		}
		entry := c.clone()
		entry.ID = id
		collections[id] = entry
	}

	return collections
}

func (r *SyncCache) CollectionCount() int {
	return len(r.data.Collections)
}

func (r *SyncCache) CollectionExists(id string) bool {
	_, ok := r.data.Collections[id]

	return ok
}

// AddCollection inserts or replaces a collection entry.
func (r *SyncCache) AddCollection(c *Collection) {
	r.data.Collections[c.ID] = c.clone()
}

// UpdateCollection merges the device-sent parameters of c into the cached
// entry, creating it if needed. The per-request sync key is not stored;
// LastSyncKey is only advanced through SetLastSyncKey.
func (r *SyncCache) UpdateCollection(c *Collection) {
	cached, ok := r.data.Collections[c.ID]
	if !ok {
		r.AddCollection(c)
		return
	}
	last := cached.LastSyncKey
	pingable := cached.Pingable
	*cached = *c.clone()
	cached.LastSyncKey = last
	cached.Pingable = pingable
}

// SetLastSyncKey records the key most recently issued for a collection.
func (r *SyncCache) SetLastSyncKey(id string, key SyncKey) {
	if c, ok := r.data.Collections[id]; ok {
		c.LastSyncKey = key
	}
}

func (r *SyncCache) RemoveCollection(id string) {
	delete(r.data.Collections, id)
}

func (r *SyncCache) ClearCollections() {
	r.data.Collections = make(map[string]*Collection)
}

// ClearCollectionKeys resets every collection's last issued key, forcing the
// device to bootstrap each collection again.
func (r *SyncCache) ClearCollectionKeys() {
	for _, c := range r.data.Collections {
		c.LastSyncKey = SyncKey{}
	}
}

func (r *SyncCache) SetPingable(id string, pingable bool) error {
	c, ok := r.data.Collections[id]
	if !ok {
		return fmt.Errorf("synccache: unknown collection: %v", id)
	}
	c.Pingable = pingable

	return nil
}

func (r *SyncCache) IsPingable(id string) bool {
	c, ok := r.data.Collections[id]

	return ok && c.Pingable
}

// ConfirmKey appends a key to the acknowledgment ledger. The ledger is what
// makes a replayed request detectable: a request bearing an already
// confirmed key is answered with the previous response instead of being
// applied again.
func (r *SyncCache) ConfirmKey(key SyncKey) {
	r.data.ConfirmedSyncKeys[key.String()] = true
}

func (r *SyncCache) RemoveConfirmedKey(key SyncKey) {
	delete(r.data.ConfirmedSyncKeys, key.String())
}

func (r *SyncCache) IsConfirmed(key SyncKey) bool {
	return r.data.ConfirmedSyncKeys[key.String()]
}

func (r *SyncCache) ClearConfirmedKeys() {
	r.data.ConfirmedSyncKeys = make(map[string]bool)
}

// PruneConfirmedKeys bounds the ledger of one lineage to the keep highest
// counters. The original behavior was unbounded; see DESIGN.md.
func (r *SyncCache) PruneConfirmedKeys(lineage string, keep int) {
	var keys []SyncKey
	for s := range r.data.ConfirmedSyncKeys {
		key, err := ParseSyncKey(s)
		if err != nil || key.UUID != lineage {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) <= keep {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Counter > keys[j].Counter })
	for _, key := range keys[keep:] {
		delete(r.data.ConfirmedSyncKeys, key.String())
	}
}

// Hierarchy returns the folder-hierarchy sync key.
func (r *SyncCache) Hierarchy() string {
	return r.data.Hierarchy
}

func (r *SyncCache) SetHierarchy(key string) {
	r.data.Hierarchy = key
}

func (r *SyncCache) Folders() map[string]FolderMeta {
	return r.data.Folders
}

func (r *SyncCache) UpdateFolder(id string, meta FolderMeta) {
	r.data.Folders[id] = meta
}

// DeleteFolder removes a folder and its collection entry, keeping the
// invariant that collection ids are a subset of the known folder ids.
func (r *SyncCache) DeleteFolder(id string) {
	delete(r.data.Folders, id)
	delete(r.data.Collections, id)
}

func (r *SyncCache) ClearFolders() {
	r.data.Folders = make(map[string]FolderMeta)
}

func (r *SyncCache) HBInterval() int {
	return r.data.HBInterval
}

func (r *SyncCache) SetHBInterval(seconds int) {
	r.data.HBInterval = seconds
}

func (r *SyncCache) Wait() int {
	return r.data.Wait
}

func (r *SyncCache) SetWait(minutes int) {
	r.data.Wait = minutes
}

func (r *SyncCache) SetLastHBSyncStarted(ts int64) {
	r.data.LastHBSyncStarted = ts
}

func (r *SyncCache) SetLastSyncEndNormal(ts int64) {
	r.data.LastSyncEndNormal = ts
}

func (r *SyncCache) SetLastUntil(ts int64) {
	r.data.LastUntil = ts
}

// ValidateTimestamps sanity-checks the heartbeat bookkeeping. A looping sync
// that started but never ended normally, or a planned sync window that has
// not elapsed yet, means another request may still be in flight.
func (r *SyncCache) ValidateTimestamps() bool {
	if r.data.LastHBSyncStarted != 0 &&
		(r.data.LastSyncEndNormal == 0 || r.data.LastHBSyncStarted > r.data.LastSyncEndNormal) {
		return false
	}
	if r.data.LastUntil != 0 && time.Now().Unix() < r.data.LastUntil {
		return false
	}

	return true
}

// ValidateFromCache fills device-omitted fields of the request collections
// from the cached entries. An omitted field is never defaulted to zero when
// a cached value exists; the class falls back to the folder hierarchy cache.
func (r *SyncCache) ValidateFromCache(collections []*Collection) {
	for _, c := range collections {
		cached := r.data.Collections[c.ID]
		if c.Class == "" {
			if cached != nil && cached.Class != "" {
				c.Class = cached.Class
			} else if folder, ok := r.data.Folders[c.ID]; ok {
				c.Class = folder.Class
			}
		}
		if cached == nil {
			c.ClampWindowSize()
			continue
		}
		if c.FilterType == 0 && cached.FilterType != 0 {
			c.FilterType = cached.FilterType
		}
		if c.MIMESupport == 0 && cached.MIMESupport != 0 {
			c.MIMESupport = cached.MIMESupport
		}
		if c.MIMETruncation == 0 && cached.MIMETruncation != 0 {
			c.MIMETruncation = cached.MIMETruncation
		}
		if c.Truncation == 0 && cached.Truncation != 0 {
			c.Truncation = cached.Truncation
		}
		if c.Conflict == 0 && cached.Conflict != 0 {
			c.Conflict = cached.Conflict
		}
		if len(c.BodyPrefs) == 0 && len(cached.BodyPrefs) > 0 {
			c.BodyPrefs = make(map[int]BodyPreference, len(cached.BodyPrefs))
			for k, v := range cached.BodyPrefs {
				c.BodyPrefs[k] = v
			}
		}
		if c.WindowSize == 0 {
			c.WindowSize = cached.WindowSize
		}
		c.ClampWindowSize()
	}
}

// UpdateTimestamp stamps the cache with the current time.
func (r *SyncCache) UpdateTimestamp() {
	r.data.Timestamp = time.Now().Unix()
}

// Save serializes the full cache back to storage, overwriting wholesale.
// The caller must have merged all updates into the in-memory data first.
// Save fails with ErrConcurrentModification when another request saved a
// newer generation after this one was loaded.
func (r *SyncCache) Save() error {
	r.UpdateTimestamp()
	if err := r.store.Save(r.data, r.version); err != nil {
		return err
	}
	r.version++

	return nil
}

// Delete removes the cache from storage and resets the in-memory data.
func (r *SyncCache) Delete() error {
	if err := r.store.Delete(); err != nil {
		return err
	}
	r.data = emptyCacheData()
	r.version = 0

	return nil
}
