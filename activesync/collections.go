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

	"github.com/superkkt/logger"
)

type collectionsPhase int

const (
	phaseInit collectionsPhase = iota
	phasePartialChecked
	phaseHydrated
	phaseReady
)

// Collections reconciles the collections named in one request with the
// cached set and decides whether the request qualifies as a partial sync.
// It is rebuilt for every request and never persisted itself.
type Collections struct {
	cache *SyncCache
	// working is ordered by insertion so responses keep the request's
	// collection order.
	working []*Collection
	byID    map[string]*Collection

	phase           collectionsPhase
	missing         map[string]bool
	hbInterval      *int
	wait            *int
	importedChanges bool
	globalWindow    int
}

func NewCollections(cache *SyncCache) *Collections {
	return &Collections{
		cache:   cache,
		byID:    make(map[string]*Collection),
		missing: make(map[string]bool),
	}
}

// AddCollection inserts or replaces a collection in the working set by id.
func (r *Collections) AddCollection(c *Collection) {
	if prev, ok := r.byID[c.ID]; ok {
		*prev = *c
		return
	}
	r.byID[c.ID] = c
	r.working = append(r.working, c)
}

// LoadCollectionsFromCache copies every cached collection into the working
// set. Used for full sync initialization; collections already present in the
// request keep their request values.
func (r *Collections) LoadCollectionsFromCache() {
	for id, c := range r.cache.Collections() {
		if _, ok := r.byID[id]; ok {
			continue
		}
		c.SyncKey = c.LastSyncKey
		r.AddCollection(c)
	}
}

// Collection returns the working-set entry for id, or nil.
func (r *Collections) Collection(id string) *Collection {
	return r.byID[id]
}

// Ready returns the working set for handing to per-collection state
// machines. It panics if the negotiation phases were skipped, because a
// working set that was never checked for partial-sync validity or hydration
// is a programming error, not a client error.
func (r *Collections) Ready() []*Collection {
	if r.phase < phasePartialChecked {
		panic("activesync: Collections working set accessed before partial-sync check")
	}
	r.phase = phaseReady

	return r.working
}

func (r *Collections) CollectionCount() int {
	return len(r.working)
}

func (r *Collections) CachedCollectionCount() int {
	return r.cache.CollectionCount()
}

// HaveSyncableCollections reports whether at least one working-set
// collection has previously completed a sync. Protocol 12.1 and later
// require an explicit class as well; earlier versions inferred the class
// from the folder type.
func (r *Collections) HaveSyncableCollections(version float64) bool {
	for _, c := range r.working {
		if c.LastSyncKey.IsZero() {
			continue
		}
		if version >= 12.1 && c.Class == "" {
			continue
		}
		return true
	}

	return false
}

// SetHeartbeat records the heartbeat parameters the device sent with this
// request. Either may be nil when the request omitted it.
func (r *Collections) SetHeartbeat(hbInterval, wait *int) {
	r.hbInterval = hbInterval
	r.wait = wait
}

// SetImportedChanges marks that the request carried client-side changes and
// an empty acknowledgment is therefore not permissible.
func (r *Collections) SetImportedChanges() {
	r.importedChanges = true
}

// SetDefaultWindowSize records a request-global windowsize applied to
// collections hydrated from the cache.
func (r *Collections) SetDefaultWindowSize(size int) {
	r.globalWindow = size
}

// InitPartialSync decides whether this request qualifies as a partial sync.
// A partial sync is permitted only if every collection named in the request
// is unchanged from its cached counterpart, and something actually differs:
// the heartbeat interval, a collection's filtertype, or a collection that is
// new to the cache. A request naming no collections while the cache has no
// heartbeat either is ambiguous and rejected.
//
// A true result stages the cached collections absent from the request for
// GetMissingCollectionsFromCache.
func (r *Collections) InitPartialSync() bool {
	r.phase = phasePartialChecked

	if !r.cache.ValidateTimestamps() {
		logger.Debug("activesync: rejecting partial sync on suspect cache timestamps")
		return false
	}

	if len(r.working) == 0 {
		if r.hbInterval == nil && r.wait == nil {
			return false
		}
		if r.hbInterval != nil && *r.hbInterval != r.cache.HBInterval() {
			r.stageMissing()
			return true
		}
		if r.wait != nil && *r.wait != r.cache.Wait() {
			r.stageMissing()
			return true
		}
		return false
	}

	cached := r.cache.Collections()
	trigger := false
	for _, c := range r.working {
		prev, ok := cached[c.ID]
		if !ok {
			trigger = true
			continue
		}
		if !c.equalOptions(prev) {
			return false
		}
		if c.FilterType != prev.FilterType {
			trigger = true
		}
	}
	if r.hbInterval != nil && *r.hbInterval != r.cache.HBInterval() {
		trigger = true
	}
	if r.wait != nil && *r.wait != r.cache.Wait() {
		trigger = true
	}
	if !trigger {
		return false
	}

	r.stageMissing()

	return true
}

func (r *Collections) stageMissing() {
	for id := range r.cache.Collections() {
		if _, ok := r.byID[id]; !ok {
			r.missing[id] = true
		}
	}
}

// GetMissingCollectionsFromCache pulls the cached collections not named in
// the request into the working set, so the working set ends up representing
// everything the device tracks. Only meaningful after a true
// InitPartialSync.
func (r *Collections) GetMissingCollectionsFromCache() {
	if r.phase < phasePartialChecked {
		panic("activesync: hydration attempted before partial-sync check")
	}
	r.phase = phaseHydrated

	cached := r.cache.Collections()
	for id := range r.missing {
		c, ok := cached[id]
		if !ok {
			continue
		}
		c.SyncKey = c.LastSyncKey
		if r.globalWindow > 0 {
			c.WindowSize = r.globalWindow
		}
		c.ClampWindowSize()
		r.AddCollection(c)
	}
	r.missing = make(map[string]bool)
}

// CheckFilterType reports whether the request filtertype for one collection
// matches the cached one. On mismatch the cached entry is removed, so the
// caller re-diffs the collection's item set from scratch rather than
// incrementally.
func (r *Collections) CheckFilterType(c *Collection) bool {
	prev, ok := r.cache.Collections()[c.ID]
	if !ok || prev.FilterType == c.FilterType {
		return true
	}
	logger.Debug(fmt.Sprintf("activesync: filtertype changed from %v to %v for collection %v", prev.FilterType, c.FilterType, c.ID))
	r.cache.RemoveCollection(c.ID)

	return false
}

// CanSendEmptyResponse reports whether the server may answer with an empty
// acknowledgment instead of a full collection-by-collection response. Only
// heartbeat-style turns with no imported changes qualify.
func (r *Collections) CanSendEmptyResponse() bool {
	if r.importedChanges {
		return false
	}

	return r.hbInterval != nil || r.wait != nil
}

// UpdateCache merges the working set's device-sent parameters back into the
// cache. The last issued sync keys are left alone; those advance only when
// the per-collection state machine commits.
func (r *Collections) UpdateCache() {
	for _, c := range r.working {
		r.cache.UpdateCollection(c)
	}
	if r.hbInterval != nil {
		r.cache.SetHBInterval(*r.hbInterval)
	}
	if r.wait != nil {
		r.cache.SetWait(*r.wait)
	}
}
