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

import "reflect"

const (
	ClassEmail    = "Email"
	ClassContacts = "Contacts"
	ClassCalendar = "Calendar"
	ClassTasks    = "Tasks"
	ClassNotes    = "Notes"
)

// Collections with a windowsize of 0 or above the maximum are interpreted as
// the maximum.
const MaxWindowSize = 512

// Collection is one logical folder being synchronized for one device/user.
type Collection struct {
	ID             string                 `json:"id"`
	Class          string                 `json:"class"`
	WindowSize     int                    `json:"windowsize"`
	FilterType     int                    `json:"filtertype"`
	Truncation     int                    `json:"truncation"`
	MIMETruncation int                    `json:"mimetruncation"`
	MIMESupport    int                    `json:"mimesupport"`
	Conflict       int                    `json:"conflict"`
	DeletesAsMoves bool                   `json:"deletesasmoves"`
	BodyPrefs      map[int]BodyPreference `json:"bodyprefs"`
	// LastSyncKey is the key most recently issued to the device for this
	// collection.
	LastSyncKey SyncKey `json:"lastsynckey"`
	Pingable    bool    `json:"pingable"`

	// SyncKey is the key the device presented in the current request.
	// Never persisted.
	SyncKey SyncKey `json:"-"`
	// GetChanges records whether the device asked for server-side changes
	// in the current request. Never persisted.
	GetChanges bool `json:"-"`
}

type BodyPreference struct {
	Type           int  `json:"type"`
	TruncationSize int  `json:"truncationsize"`
	AllOrNone      bool `json:"allornone"`
}

func ValidClass(class string) bool {
	switch class {
	case ClassEmail, ClassContacts, ClassCalendar, ClassTasks, ClassNotes:
		return true
	}

	return false
}

// ClampWindowSize normalizes the windowsize to [1, MaxWindowSize].
func (r *Collection) ClampWindowSize() {
	if r.WindowSize <= 0 || r.WindowSize > MaxWindowSize {
		r.WindowSize = MaxWindowSize
	}
}

// equalOptions compares the device-visible collection parameters, ignoring
// the per-request fields and the filtertype. The filtertype is compared
// separately because a changed filtertype is a partial-sync trigger, not a
// partial-sync violation.
func (r *Collection) equalOptions(other *Collection) bool {
	return r.Class == other.Class &&
		r.WindowSize == other.WindowSize &&
		r.Truncation == other.Truncation &&
		r.MIMETruncation == other.MIMETruncation &&
		r.MIMESupport == other.MIMESupport &&
		r.Conflict == other.Conflict &&
		r.DeletesAsMoves == other.DeletesAsMoves &&
		equalBodyPrefs(r.BodyPrefs, other.BodyPrefs)
}

func equalBodyPrefs(a, b map[int]BodyPreference) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	return reflect.DeepEqual(a, b)
}

func (r *Collection) clone() *Collection {
	c := *r
	if r.BodyPrefs != nil {
		c.BodyPrefs = make(map[int]BodyPreference, len(r.BodyPrefs))
		for k, v := range r.BodyPrefs {
			c.BodyPrefs[k] = v
		}
	}

	return &c
}
