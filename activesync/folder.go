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
	"sort"

	"github.com/hivemail/hivesync/backend"
)

// FolderSnapshot is one collection's last-observed backend state. It diffs
// itself against a freshly fetched status and listing, then commits the new
// observation in a separate step: SetChanges computes the delta, the caller
// consumes it, and Commit makes the new listing the current state. Nothing
// is persisted until the caller saves the snapshot through the state
// machine.
type FolderSnapshot struct {
	FolderID    string                     `json:"folderid"`
	Class       string                     `json:"class"`
	UIDValidity uint64                     `json:"uidvalidity"`
	UIDNext     uint64                     `json:"uidnext"`
	ModSeq      uint64                     `json:"modseq"`
	Messages    []uint32                   `json:"messages"`
	Flags       map[uint32]map[string]bool `json:"flags"`

	pending *pendingSnapshot
	delta   *FolderDelta
}

// FolderDelta is the change set between the snapshot and the last listing
// passed to SetChanges.
type FolderDelta struct {
	Added   []uint32
	Changed []uint32
	Removed []uint32
	// Flags carries the new flag values for Added and Changed UIDs.
	Flags map[uint32]map[string]bool
	// Reset is true when UIDVALIDITY changed and every previously known
	// item was discarded. This is an expected condition, not an error:
	// the delta reports every current item as added and nothing as
	// removed or changed.
	Reset bool
}

func (r *FolderDelta) Count() int {
	return len(r.Added) + len(r.Changed) + len(r.Removed)
}

type pendingSnapshot struct {
	stat     backend.FolderStat
	messages []uint32
	flags    map[uint32]map[string]bool
}

func NewFolderSnapshot(folderID, class string) *FolderSnapshot {
	return &FolderSnapshot{
		FolderID: folderID,
		Class:    class,
		Flags:    make(map[uint32]map[string]bool),
	}
}

// SetChanges diffs the snapshot against a freshly fetched backend status and
// listing and stages the new observation for Commit. A full listing is
// required when the provider has no MODSEQ support or when UIDVALIDITY
// changed; otherwise an incremental changed-since listing is expected.
func (r *FolderSnapshot) SetChanges(stat backend.FolderStat, listing backend.Listing) *FolderDelta {
	switch {
	case r.UIDValidity != 0 && stat.UIDValidity != r.UIDValidity:
		r.delta = r.resetChanges(stat, listing)
	case !listing.Full && r.ModSeq > 0 && stat.ModSeq > 0:
		r.delta = r.incrementalChanges(stat, listing)
	default:
		r.delta = r.fullChanges(stat, listing)
	}

	return r.delta
}

// GetChanges returns the staged delta from the last SetChanges, or an empty
// delta if there is nothing staged. Repeated calls return the same delta.
func (r *FolderSnapshot) GetChanges() *FolderDelta {
	if r.delta == nil {
		return &FolderDelta{}
	}

	return r.delta
}

// Commit applies the staged observation to the snapshot and returns the
// applied delta. Calling Commit again without an intervening SetChanges is a
// no-op that returns empty delta sets.
func (r *FolderSnapshot) Commit() *FolderDelta {
	if r.pending == nil {
		return &FolderDelta{}
	}
	delta := r.delta

	r.UIDValidity = r.pending.stat.UIDValidity
	r.UIDNext = r.pending.stat.UIDNext
	r.ModSeq = r.pending.stat.ModSeq
	r.Messages = r.pending.messages
	r.Flags = r.pending.flags
	r.pending = nil
	r.delta = nil

	return delta
}

// resetChanges discards all previous state after a UIDVALIDITY change and
// reports every item of the new listing as added, regardless of any overlap
// with the previously known message set.
func (r *FolderSnapshot) resetChanges(stat backend.FolderStat, listing backend.Listing) *FolderDelta {
	delta := &FolderDelta{
		Reset: true,
		Flags: make(map[uint32]map[string]bool),
	}
	messages := make([]uint32, 0, len(listing.Messages))
	flags := make(map[uint32]map[string]bool, len(listing.Messages))
	for _, m := range listing.Messages {
		delta.Added = append(delta.Added, m.UID)
		delta.Flags[m.UID] = m.Flags
		messages = append(messages, m.UID)
		flags[m.UID] = m.Flags
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i] < messages[j] })
	r.pending = &pendingSnapshot{stat: stat, messages: messages, flags: flags}

	return delta
}

// fullChanges computes the delta from a full message listing: set difference
// for membership and a by-value flag comparison for items present in both
// snapshots. An identical flag map is not a change.
func (r *FolderSnapshot) fullChanges(stat backend.FolderStat, listing backend.Listing) *FolderDelta {
	known := make(map[uint32]bool, len(r.Messages))
	for _, uid := range r.Messages {
		known[uid] = true
	}

	delta := &FolderDelta{Flags: make(map[uint32]map[string]bool)}
	messages := make([]uint32, 0, len(listing.Messages))
	flags := make(map[uint32]map[string]bool, len(listing.Messages))
	listed := make(map[uint32]bool, len(listing.Messages))
	for _, m := range listing.Messages {
		listed[m.UID] = true
		messages = append(messages, m.UID)
		flags[m.UID] = m.Flags
		if !known[m.UID] {
			delta.Added = append(delta.Added, m.UID)
			delta.Flags[m.UID] = m.Flags
			continue
		}
		if !equalFlags(r.Flags[m.UID], m.Flags) {
			delta.Changed = append(delta.Changed, m.UID)
			delta.Flags[m.UID] = m.Flags
		}
	}
	for _, uid := range r.Messages {
		if !listed[uid] {
			delta.Removed = append(delta.Removed, uid)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i] < messages[j] })
	r.pending = &pendingSnapshot{stat: stat, messages: messages, flags: flags}

	return delta
}

// incrementalChanges trusts the provider-supplied changed-since delta:
// additions come from the UID range beyond the previous UIDNEXT, flag
// changes from the incremental flag-change listing and removals from the
// vanished set. If the MODSEQ did not advance, no flag change was signaled
// and only UID-range-based added-item detection applies.
func (r *FolderSnapshot) incrementalChanges(stat backend.FolderStat, listing backend.Listing) *FolderDelta {
	delta := &FolderDelta{Flags: make(map[uint32]map[string]bool)}

	messages := make([]uint32, len(r.Messages))
	copy(messages, r.Messages)
	flags := make(map[uint32]map[string]bool, len(r.Flags))
	for uid, f := range r.Flags {
		flags[uid] = f
	}

	added := make(map[uint32]bool)
	for _, m := range listing.New {
		if uint64(m.UID) < r.UIDNext {
			// Not actually new. The provider over-reported.
			continue
		}
		added[m.UID] = true
		delta.Added = append(delta.Added, m.UID)
		delta.Flags[m.UID] = m.Flags
		messages = append(messages, m.UID)
		flags[m.UID] = m.Flags
	}

	if stat.ModSeq > r.ModSeq {
		for _, m := range listing.Messages {
			if added[m.UID] {
				continue
			}
			delta.Changed = append(delta.Changed, m.UID)
			delta.Flags[m.UID] = m.Flags
			flags[m.UID] = m.Flags
		}
		vanished := make(map[uint32]bool, len(listing.Vanished))
		for _, uid := range listing.Vanished {
			vanished[uid] = true
			delta.Removed = append(delta.Removed, uid)
			delete(flags, uid)
		}
		if len(vanished) > 0 {
			kept := messages[:0]
			for _, uid := range messages {
				if !vanished[uid] {
					kept = append(kept, uid)
				}
			}
			messages = kept
		}
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i] < messages[j] })
	r.pending = &pendingSnapshot{stat: stat, messages: messages, flags: flags}

	return delta
}

// equalFlags compares two flag maps by value. A flag that is absent on one
// side and false on the other is not a difference.
func equalFlags(a, b map[string]bool) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}

	return true
}
