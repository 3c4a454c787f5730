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

	"github.com/hivemail/hivesync/backend"
	"github.com/hivemail/hivesync/database"
)

type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeChange
	ChangeDelete
)

// Change is one delta entry destined for the device.
type Change struct {
	Type  ChangeType      `json:"type"`
	UID   uint32          `json:"uid"`
	Flags map[string]bool `json:"flags,omitempty"`
}

// CollectionState gates the load, diff and persist cycle for exactly one
// (device, collection) pair. At most one sync key advancement happens per
// client round trip: Save is the single commit point, and a crash before it
// leaves the prior key authoritative so the device's retry re-derives the
// same delta.
type CollectionState struct {
	store      StateStore
	collection *Collection

	loadedKey SyncKey
	newKey    SyncKey
	data      StateData
	loaded    bool

	// changes is the outgoing delta for this round trip. Entries already
	// sent to the device are tracked in sent by index.
	changes []Change
	sent    map[int]bool
	diffed  bool
}

func NewCollectionState(store StateStore, collection *Collection) *CollectionState {
	return &CollectionState{
		store:      store,
		collection: collection,
		sent:       make(map[int]bool),
	}
}

// LoadState resolves the prior snapshot for this collection keyed by key. A
// zero key bootstraps a fresh state, discarding any stored records. Any
// other unrecognized key fails with ErrInvalidSyncKey.
func (r *CollectionState) LoadState(key SyncKey) error {
	if key.IsZero() {
		if err := r.store.Reset(); err != nil {
			return fmt.Errorf("resetting collection state: %v", err)
		}
		r.data = StateData{Folder: NewFolderSnapshot(r.collection.ID, r.collection.Class)}
		r.loadedKey = SyncKey{}
		r.loaded = true
		return nil
	}

	data, err := r.store.Load(key, database.LockWrite)
	if err != nil {
		return err
	}
	if data.Folder == nil {
		data.Folder = NewFolderSnapshot(r.collection.ID, r.collection.Class)
	}
	r.data = data
	r.loadedKey = key
	r.loaded = true

	return nil
}

// Folder returns the loaded snapshot.
func (r *CollectionState) Folder() *FolderSnapshot {
	return r.data.Folder
}

// GetChanges computes the outgoing delta versus the loaded state. Pending
// entries left over from the previous round trip are replayed first, then
// the backend is polled once and the folder diff is appended. Repeated calls
// return the same delta.
func (r *CollectionState) GetChanges(driver backend.Driver, c backend.Credential) ([]Change, error) {
	if !r.loaded {
		return nil, fmt.Errorf("collection state not loaded: %v", r.collection.ID)
	}
	if r.diffed {
		return r.changes, nil
	}

	r.changes = append(r.changes, r.data.Pending...)

	stat, err := driver.StatFolder(c, r.collection.ID)
	if err != nil {
		return nil, fmt.Errorf("stating folder %v: %v", r.collection.ID, err)
	}
	folder := r.data.Folder

	var since uint64
	if stat.ModSeq > 0 && folder.ModSeq > 0 && folder.UIDValidity == stat.UIDValidity {
		since = folder.ModSeq
	}
	listing, err := driver.ListMessages(c, r.collection.ID, since)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %v: %v", r.collection.ID, err)
	}

	delta := folder.SetChanges(stat, listing)
	for _, uid := range delta.Added {
		r.changes = append(r.changes, Change{Type: ChangeAdd, UID: uid, Flags: delta.Flags[uid]})
	}
	for _, uid := range delta.Changed {
		r.changes = append(r.changes, Change{Type: ChangeChange, UID: uid, Flags: delta.Flags[uid]})
	}
	for _, uid := range delta.Removed {
		r.changes = append(r.changes, Change{Type: ChangeDelete, UID: uid})
	}
	r.diffed = true

	return r.changes, nil
}

// UpdateState marks one delta entry as sent to the device. Entries never
// marked remain pending and are persisted for the next round trip.
func (r *CollectionState) UpdateState(index int) {
	r.sent[index] = true
}

// GetNewSyncKey allocates the next key in this collection's lineage and
// marks it pending. It is not authoritative until Save commits it.
func (r *CollectionState) GetNewSyncKey() (SyncKey, error) {
	if !r.newKey.IsZero() {
		return r.newKey, nil
	}
	next, err := r.loadedKey.Next()
	if err != nil {
		return SyncKey{}, err
	}
	r.newKey = next

	return r.newKey, nil
}

// SetNewSyncKey overrides the pending key. Used when replaying an already
// confirmed round trip, where the previously issued key must be reissued
// instead of a fresh one.
func (r *CollectionState) SetNewSyncKey(key SyncKey) {
	r.newKey = key
}

// Save persists the full new state keyed by the pending key. The snapshot's
// staged observation is committed first; unsent delta entries are carried
// over as pending. Save fails with ErrConcurrentModification when another
// session advanced this collection after LoadState.
func (r *CollectionState) Save() error {
	if r.newKey.IsZero() {
		return fmt.Errorf("no pending sync key for collection %v", r.collection.ID)
	}
	r.data.Folder.Commit()

	var pending, sent []Change
	for i, change := range r.changes {
		if r.sent[i] {
			sent = append(sent, change)
		} else {
			pending = append(pending, change)
		}
	}
	r.data.Pending = pending
	r.data.Sent = sent

	if err := r.store.Save(r.loadedKey, r.newKey, r.data); err != nil {
		return err
	}
	if err := r.store.Prune(r.newKey, MaxConfirmedKeys); err != nil {
		return fmt.Errorf("pruning superseded states: %v", err)
	}

	return nil
}
