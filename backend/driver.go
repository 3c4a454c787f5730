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

package backend

// Driver is the groupware provider boundary. The sync engine only sequences
// these calls and interprets their results. It never retries them itself;
// retry policy belongs to the driver.
type Driver interface {
	// Folders returns every synchronizable folder of the user.
	// Folders can return nil if the user has no folder.
	Folders(c Credential) ([]FolderInfo, error)

	// StatFolder returns the current status watermarks of a folder.
	// ModSeq is 0 when the provider cannot track change sequences.
	StatFolder(c Credential, folderID string) (FolderStat, error)

	// ListMessages returns a message listing for a folder. sinceModSeq 0
	// requests a full listing. A non-zero sinceModSeq requests an
	// incremental listing of everything that changed after that change
	// sequence, which is only valid for providers whose StatFolder
	// reports a non-zero ModSeq.
	ListMessages(c Credential, folderID string, sinceModSeq uint64) (Listing, error)

	// GetItem returns the payload of one item as an ApplicationData XML
	// fragment. The payload is opaque to the sync engine and is passed
	// through to the response unchanged.
	GetItem(c Credential, folderID string, uid uint32) ([]byte, error)
}

type FolderInfo struct {
	ID          string
	DisplayName string
	ParentID    string // "0" for root folders
	Type        FolderType
}

type FolderType int

const (
	EmailInbox FolderType = iota
	EmailDraft
	EmailTrash
	EmailSent
	// Normal email folder
	EmailFolder
	ContactsDefault
	CalendarDefault
	TasksDefault
	NotesDefault
)

// Class returns the ActiveSync collection class of the folder type.
func (r FolderType) Class() string {
	switch r {
	case ContactsDefault:
		return "Contacts"
	case CalendarDefault:
		return "Calendar"
	case TasksDefault:
		return "Tasks"
	case NotesDefault:
		return "Notes"
	default:
		return "Email"
	}
}

type FolderStat struct {
	// UIDValidity is the folder epoch. A change invalidates every cached
	// UID of the folder.
	UIDValidity uint64
	// UIDNext is the watermark for new-item detection.
	UIDNext uint64
	// ModSeq is the highest change sequence, or 0 if unsupported.
	ModSeq uint64
}

type Message struct {
	UID   uint32
	Flags map[string]bool
}

// Listing is the result of ListMessages. A full listing carries every
// message of the folder in Messages. An incremental listing carries
// flag-changed messages in Messages, messages above the previous UIDNEXT in
// New, and expunged UIDs in Vanished.
type Listing struct {
	Full     bool
	Messages []Message
	New      []Message
	Vanished []uint32
}

// UIDs returns the UIDs of Messages in listing order.
func (r Listing) UIDs() []uint32 {
	uids := make([]uint32, 0, len(r.Messages))
	for _, v := range r.Messages {
		uids = append(uids, v.UID)
	}

	return uids
}
