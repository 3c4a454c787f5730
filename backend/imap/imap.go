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

package imap

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/hivemail/hivesync/backend"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/superkkt/logger"
)

// Driver synchronizes against a plain IMAP server. Every call dials a fresh
// connection with the request credential; the sync engine issues one stat
// and one listing per collection per turn, so connection reuse across calls
// is not worth the session bookkeeping.
//
// IMAP CONDSTORE is not used: StatFolder always reports a zero MODSEQ, which
// makes the sync engine take the full-listing diff path.
type Driver struct {
	addr string
}

func New(addr string) *Driver {
	return &Driver{
		addr: addr,
	}
}

func (r *Driver) connect(c backend.Credential) (*client.Client, error) {
	conn, err := client.DialTLS(r.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing IMAP server %v: %v", r.addr, err)
	}
	if err := conn.Login(c.UserID(), c.Password()); err != nil {
		conn.Logout()
		return nil, fmt.Errorf("IMAP login for %v: %v", c.UserID(), err)
	}

	return conn, nil
}

func (r *Driver) Folders(c backend.Credential) ([]backend.FolderInfo, error) {
	conn, err := r.connect(c)
	if err != nil {
		return nil, err
	}
	defer conn.Logout()

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- conn.List("", "*", mailboxes)
	}()

	var folders []backend.FolderInfo
	for m := range mailboxes {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, backend.FolderInfo{
			ID:          m.Name,
			DisplayName: displayName(m),
			ParentID:    parentID(m),
			Type:        folderType(m),
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("listing mailboxes: %v", err)
	}
	logger.Debug(fmt.Sprintf("IMAP folders for %v: %v mailboxes", c.UserID(), len(folders)))

	return folders, nil
}

func (r *Driver) StatFolder(c backend.Credential, folderID string) (backend.FolderStat, error) {
	conn, err := r.connect(c)
	if err != nil {
		return backend.FolderStat{}, err
	}
	defer conn.Logout()

	m, err := conn.Select(folderID, true)
	if err != nil {
		return backend.FolderStat{}, fmt.Errorf("selecting mailbox %v: %v", folderID, err)
	}

	return backend.FolderStat{
		UIDValidity: uint64(m.UidValidity),
		UIDNext:     uint64(m.UidNext),
	}, nil
}

func (r *Driver) ListMessages(c backend.Credential, folderID string, sinceModSeq uint64) (backend.Listing, error) {
	conn, err := r.connect(c)
	if err != nil {
		return backend.Listing{}, err
	}
	defer conn.Logout()

	m, err := conn.Select(folderID, true)
	if err != nil {
		return backend.Listing{}, fmt.Errorf("selecting mailbox %v: %v", folderID, err)
	}
	// CONDSTORE is not advertised by this driver, so an incremental
	// listing request cannot happen. Answer with a full listing either
	// way; the diff result is the same.
	listing := backend.Listing{Full: true}
	if m.Messages == 0 {
		return listing, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, m.Messages)
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- conn.Fetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
	}()

	for msg := range messages {
		listing.Messages = append(listing.Messages, backend.Message{
			UID:   msg.Uid,
			Flags: flagMap(msg.Flags),
		})
	}
	if err := <-done; err != nil {
		return backend.Listing{}, fmt.Errorf("fetching flags of %v: %v", folderID, err)
	}
	logger.Debug(fmt.Sprintf("IMAP listing for %v on %v: UIDs=%v", c.UserID(), folderID, listing.UIDs()))

	return listing, nil
}

func (r *Driver) GetItem(c backend.Credential, folderID string, uid uint32) ([]byte, error) {
	conn, err := r.connect(c)
	if err != nil {
		return nil, err
	}
	defer conn.Logout()

	if _, err := conn.Select(folderID, true); err != nil {
		return nil, fmt.Errorf("selecting mailbox %v: %v", folderID, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching message %v of %v: %v", uid, folderID, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("no such message: %v in %v", uid, folderID)
	}

	var raw []byte
	if body := fetched.GetBody(section); body != nil {
		raw, err = ioutil.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("reading message body: %v", err)
		}
	}

	return encodeApplicationData(fetched, raw), nil
}

func encodeApplicationData(msg *imap.Message, raw []byte) []byte {
	var buf strings.Builder
	buf.WriteString("<ApplicationData>")
	if env := msg.Envelope; env != nil {
		writeElem(&buf, "email:To", addressList(env.To))
		writeElem(&buf, "email:Cc", addressList(env.Cc))
		writeElem(&buf, "email:From", addressList(env.From))
		writeElem(&buf, "email:Subject", env.Subject)
		if !env.Date.IsZero() {
			writeElem(&buf, "email:DateReceived", env.Date.UTC().Format(time.RFC3339))
		}
	}
	read := "0"
	if flagMap(msg.Flags)["seen"] {
		read = "1"
	}
	writeElem(&buf, "email:Read", read)
	writeElem(&buf, "email:MessageClass", "IPM.Note")
	writeElem(&buf, "email:InternetCPID", "65001")
	if len(raw) > 0 {
		writeElem(&buf, "email:MIMESize", fmt.Sprintf("%v", len(raw)))
		writeElem(&buf, "email:MIMEData", string(raw))
	}
	buf.WriteString("</ApplicationData>")

	return []byte(buf.String())
}

func writeElem(buf *strings.Builder, name, value string) {
	// Ignore empty string element
	if len(value) == 0 {
		return
	}
	buf.WriteString(fmt.Sprintf("<%v>%v</%v>", name, escapeXML(value), name))
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

	return replacer.Replace(s)
}

func addressList(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.Address())
	}

	return strings.Join(parts, ", ")
}

func flagMap(flags []string) map[string]bool {
	m := make(map[string]bool, len(flags))
	for _, f := range flags {
		switch f {
		case imap.SeenFlag:
			m["seen"] = true
		case imap.AnsweredFlag:
			m["answered"] = true
		case imap.FlaggedFlag:
			m["flagged"] = true
		case imap.DraftFlag:
			m["draft"] = true
		case imap.DeletedFlag:
			m["deleted"] = true
		}
	}

	return m
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}

	return false
}

func displayName(m *imap.MailboxInfo) string {
	name := m.Name
	if m.Delimiter != "" {
		if i := strings.LastIndex(name, m.Delimiter); i >= 0 {
			name = name[i+len(m.Delimiter):]
		}
	}

	return name
}

func parentID(m *imap.MailboxInfo) string {
	if m.Delimiter == "" {
		return "0"
	}
	i := strings.LastIndex(m.Name, m.Delimiter)
	if i < 0 {
		return "0"
	}

	return m.Name[:i]
}

func folderType(m *imap.MailboxInfo) backend.FolderType {
	if strings.EqualFold(m.Name, "INBOX") {
		return backend.EmailInbox
	}
	for _, attr := range m.Attributes {
		switch attr {
		case imap.DraftsAttr:
			return backend.EmailDraft
		case imap.TrashAttr:
			return backend.EmailTrash
		case imap.SentAttr:
			return backend.EmailSent
		}
	}
	// Fall back to well-known names for servers without SPECIAL-USE.
	switch strings.ToLower(displayName(m)) {
	case "drafts":
		return backend.EmailDraft
	case "trash", "deleted items":
		return backend.EmailTrash
	case "sent", "sent items":
		return backend.EmailSent
	}

	return backend.EmailFolder
}
